package model

// Config holds the logger and identity configuration applied via SetConfig.
type Config struct {
	ElasticIndex    string
	ElasticURL      string
	ElasticUsername string
	ElasticPassword string
	ServiceName     string
	ComponentName   string
}
