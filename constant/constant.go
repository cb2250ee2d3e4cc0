package constant

// Version is set at build time via
// -ldflags "-X github.com/pmkol/analysis-gateway/constant.Version=...".
var Version = "dev"

// ServiceName is reported by the health endpoint.
const ServiceName = "analysis-gateway"
