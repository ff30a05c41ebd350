package transport

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewKafkaTransport_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaTransport(KafkaConfig{Brokers: []string{" ", ""}}, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestKafkaTransport_Produce(t *testing.T) {
	brokers := strings.TrimSpace(os.Getenv("COURIER_TEST_KAFKA_BROKERS"))
	if brokers == "" {
		t.Skip("COURIER_TEST_KAFKA_BROKERS not set")
	}
	tr, err := NewKafkaTransport(KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   "courier-test-" + time.Now().UTC().Format("20060102150405"),
	}, nil)
	if err != nil {
		t.Fatalf("new kafka transport: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := tr.Send(ctx, eventRequest(), 1); err != nil {
		t.Fatalf("send: %v", err)
	}
}
