package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("KafkaBrokers = %v, want none", cfg.KafkaBrokers)
	}
	if cfg.VisibilityTimeout != time.Minute {
		t.Errorf("VisibilityTimeout = %s", cfg.VisibilityTimeout)
	}
}

func TestLoadParsesBrokerList(t *testing.T) {
	t.Setenv("LT_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,kafka-3:9092,")
	cfg := Load()
	want := []string{"kafka-1:9092", "kafka-2:9092", "kafka-3:9092"}
	if !reflect.DeepEqual(cfg.KafkaBrokers, want) {
		t.Errorf("KafkaBrokers = %v, want %v", cfg.KafkaBrokers, want)
	}
}
