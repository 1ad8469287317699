package edgesync

// Environment variable names read by the edgesync CLI.
const (
	EnvDBPath        = "EDGESYNC_DB_PATH"
	EnvServerURL     = "EDGESYNC_SERVER_URL"
	EnvHealthURL     = "EDGESYNC_HEALTH_URL"
	EnvMeshURL       = "EDGESYNC_MESH_URL"
	EnvDeviceID      = "EDGESYNC_DEVICE_ID"
	EnvDeviceName    = "EDGESYNC_DEVICE_NAME"
	EnvDeviceType    = "EDGESYNC_DEVICE_TYPE"
	EnvDrainBatch    = "EDGESYNC_DRAIN_BATCH"
	EnvDrainDelay    = "EDGESYNC_DRAIN_DELAY"
	EnvDrainInterval = "EDGESYNC_DRAIN_INTERVAL"
	EnvMaxRetries    = "EDGESYNC_MAX_RETRIES"
	EnvMQTTBroker    = "EDGESYNC_MQTT_BROKER"
	EnvMQTTTopic     = "EDGESYNC_MQTT_TOPIC"

	EnvMeshListenAddr    = "MESH_LISTEN_ADDR"
	EnvMeshStaleAfter    = "MESH_STALE_AFTER"
	EnvMeshEvictAfter    = "MESH_EVICT_AFTER"
	EnvMeshSweepInterval = "MESH_SWEEP_INTERVAL"
)
