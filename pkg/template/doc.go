// Package template loads service templates and validates deploy request
// properties against the variables a template declares.
//
// Templates are YAML documents. Scripts are either inlined under
// deployment.scripts or listed under deployment.scriptFiles relative to the
// template file. Each declared variable is turned into a CUE constraint:
//
//	string & strings.MinRunes(8) & =~"^[a-z]+$"
//	number & >=1 & <=5
//
// and VariableValidator reports every violated constraint of a request at
// once.
package template
