// Package config loads the call-agent configuration.
//
// A configuration starts from Defaults, is overlaid by one or more JSON or
// YAML files and finally by CALLAGENT_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/callagent.yaml")
//	loader.AddLayer("configs/site.json") // overrides the first layer
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Layers merge object by object, so a site file can change nats.urls
// without restating the rest of the nats section. Arrays are replaced
// whole. Durations are written as "30s" or "2d".
//
// # Environment Overrides
//
//	CALLAGENT_AGENT_ID, CALLAGENT_AGENT_NAME
//	CALLAGENT_TRANSPORT            nats | relay
//	CALLAGENT_NATS_URLS            comma separated
//	CALLAGENT_NATS_USERNAME, CALLAGENT_NATS_PASSWORD, CALLAGENT_NATS_TOKEN
//	CALLAGENT_RELAY_URL, CALLAGENT_RELAY_LISTEN
//	CALLAGENT_LOCATION_TOPIC
//	CALLAGENT_LOG_LEVEL, CALLAGENT_LOG_FORMAT
//	CALLAGENT_METRICS_PORT
//
// # Thread-Safe Access
//
// SafeConfig hands out deep copies, so a caller can never mutate the
// configuration another goroutine is reading:
//
//	safe := config.NewSafeConfig(cfg)
//	current := safe.Get()
//	if err := safe.Update(next); err != nil {
//		// next failed validation; current is still in effect
//	}
package config
