package tracer

// Config defines the tracer settings.
type Config struct {
	// ServiceName is recorded as the service.name resource attribute
	ServiceName string `yaml:"service_name" envconfig:"TRACER_SERVICE_NAME"`

	// AppEnv is recorded as deployment.environment and as the "environment" attribute
	AppEnv string `yaml:"app_env" envconfig:"APP_ENV"`

	// EnableExport sends spans to an OTLP/HTTP collector. When false, spans
	// are created and propagated but never exported.
	EnableExport bool `yaml:"enable_export" envconfig:"TRACER_ENABLE_EXPORT"`

	// Endpoint is the collector host:port. Empty leaves the exporter to
	// OTEL_EXPORTER_OTLP_ENDPOINT or its default.
	Endpoint string `yaml:"endpoint" envconfig:"TRACER_ENDPOINT"`

	// Insecure disables TLS towards the collector
	Insecure bool `yaml:"insecure" envconfig:"TRACER_INSECURE"`
}
