package engine

import "fmt"

// maskSensitive replaces every present sensitive property of req with the
// codec's placeholder. Masking a masked value leaves it unchanged.
func maskSensitive(req *DeployRequest, variables []DeployVariable, codec SecretCodec) {
	if req == nil || len(req.Properties) == 0 {
		return
	}
	for _, v := range variables {
		if !v.IsSensitive() {
			continue
		}
		raw, ok := req.Properties[v.Name]
		if !ok || raw == nil {
			continue
		}
		req.Properties[v.Name] = codec.Mask(fmt.Sprint(raw))
	}
}

// cloneRequest copies req so masking never touches the caller's map.
func cloneRequest(req *DeployRequest) *DeployRequest {
	if req == nil {
		return nil
	}
	out := *req
	if req.Properties != nil {
		out.Properties = make(map[string]any, len(req.Properties))
		for k, v := range req.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}
