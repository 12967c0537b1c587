package klab

// ServiceRole names one of the distributed services an engine depends on.
// Public mirror of the internal service-type enum with no internal package
// imports, safe to use from outside the module.
type ServiceRole string

const (
	RoleReasoner  ServiceRole = "REASONER"
	RoleResources ServiceRole = "RESOURCES"
	RoleResolver  ServiceRole = "RESOLVER"
	RoleRuntime   ServiceRole = "RUNTIME"
	RoleCommunity ServiceRole = "COMMUNITY"
)

// ServiceEndpoint is a known remote service instance the engine should use
// without waiting for local discovery. Primary endpoints replace whatever the
// discovery loop would otherwise select for the role.
type ServiceEndpoint struct {
	Role    ServiceRole
	URL     string
	Primary bool
}
