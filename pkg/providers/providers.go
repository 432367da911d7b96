package providers

import (
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Normalized resource kinds.
const (
	KindVM                = "vm"
	KindVolume            = "volume"
	KindPublicIP          = "publicIP"
	KindVPC               = "vpc"
	KindSubnet            = "subnet"
	KindSecurityGroup     = "security_group"
	KindSecurityGroupRule = "security_group_rule"
	KindKeypair           = "keypair"
)

var (
	vmProperties       = map[string]string{"ip": "access_ip_v4", "image_id": "image_id", "image_name": "image_name", "region": "region"}
	volumeProperties   = map[string]string{"size": "size", "type": "volume_type", "region": "region"}
	ruleProperties     = map[string]string{"direction": "direction", "protocol": "protocol", "ports": "ports", "remote_ip_prefix": "remote_ip_prefix"}
	v2RuleProperties   = map[string]string{"direction": "direction", "protocol": "protocol", "port_range_min": "port_range_min", "port_range_max": "port_range_max", "remote_ip_prefix": "remote_ip_prefix"}
	regionOnly         = map[string]string{"region": "region"}
	subnetProperties   = map[string]string{"cidr": "cidr", "gateway_ip": "gateway_ip", "region": "region"}
	keypairProperties  = map[string]string{"public_key": "public_key"}
	floatingProperties = map[string]string{"ip": "address", "pool": "pool"}
)

// HuaweiMappings are the Huawei Cloud resource types the handler normalizes.
var HuaweiMappings = map[string]ResourceMapping{
	"huaweicloud_compute_instance":        {Kind: KindVM, Properties: vmProperties},
	"huaweicloud_evs_volume":              {Kind: KindVolume, Properties: volumeProperties},
	"huaweicloud_vpc_eip":                 {Kind: KindPublicIP, Properties: map[string]string{"ip": "address", "region": "region"}},
	"huaweicloud_vpc":                     {Kind: KindVPC, Properties: map[string]string{"cidr": "cidr", "region": "region"}},
	"huaweicloud_vpc_subnet":              {Kind: KindSubnet, Properties: subnetProperties},
	"huaweicloud_networking_secgroup":     {Kind: KindSecurityGroup, Properties: regionOnly},
	"huaweicloud_networking_secgroup_rule": {Kind: KindSecurityGroupRule, Properties: ruleProperties},
	"huaweicloud_kps_keypair":             {Kind: KindKeypair, Properties: keypairProperties},
	"huaweicloud_compute_keypair":         {Kind: KindKeypair, Properties: keypairProperties},
}

// FlexibleEngineMappings are the Orange FlexibleEngine resource types the
// handler normalizes.
var FlexibleEngineMappings = map[string]ResourceMapping{
	"flexibleengine_compute_instance_v2":        {Kind: KindVM, Properties: vmProperties},
	"flexibleengine_blockstorage_volume_v2":     {Kind: KindVolume, Properties: volumeProperties},
	"flexibleengine_vpc_eip":                    {Kind: KindPublicIP, Properties: map[string]string{"ip": "publicip.0.ip_address", "region": "region"}},
	"flexibleengine_vpc_v1":                     {Kind: KindVPC, Properties: map[string]string{"cidr": "cidr", "region": "region"}},
	"flexibleengine_vpc_subnet_v1":              {Kind: KindSubnet, Properties: subnetProperties},
	"flexibleengine_networking_secgroup_v2":     {Kind: KindSecurityGroup, Properties: regionOnly},
	"flexibleengine_networking_secgroup_rule_v2": {Kind: KindSecurityGroupRule, Properties: v2RuleProperties},
	"flexibleengine_compute_keypair_v2":         {Kind: KindKeypair, Properties: keypairProperties},
}

// OpenstackMappings are the OpenStack resource types the handler normalizes.
var OpenstackMappings = map[string]ResourceMapping{
	"openstack_compute_instance_v2":         {Kind: KindVM, Properties: vmProperties},
	"openstack_blockstorage_volume_v3":      {Kind: KindVolume, Properties: volumeProperties},
	"openstack_networking_floatingip_v2":    {Kind: KindPublicIP, Properties: floatingProperties},
	"openstack_networking_network_v2":       {Kind: KindVPC, Properties: regionOnly},
	"openstack_networking_subnet_v2":        {Kind: KindSubnet, Properties: subnetProperties},
	"openstack_networking_secgroup_v2":      {Kind: KindSecurityGroup, Properties: regionOnly},
	"openstack_networking_secgroup_rule_v2": {Kind: KindSecurityGroupRule, Properties: v2RuleProperties},
	"openstack_compute_keypair_v2":          {Kind: KindKeypair, Properties: keypairProperties},
}

// All returns the handlers of every supported provider.
func All(logger zerolog.Logger) []engine.ResourceHandler {
	return []engine.ResourceHandler{
		NewStateHandler(engine.ProviderHuawei, HuaweiMappings, logger),
		NewStateHandler(engine.ProviderFlexibleEngine, FlexibleEngineMappings, logger),
		NewStateHandler(engine.ProviderOpenstack, OpenstackMappings, logger),
	}
}
