package database

import (
	"log"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
)

// InitNATS connects to the event bus used to publish ledger and group
// change notifications. Like Redis, it is optional: a nil connection
// disables publishing without affecting the ledger itself.
func InitNATS() *nats.Conn {
	url := viper.GetString("nats.url")
	if url == "" {
		log.Println("NATS URL not configured, event publishing disabled")
		return nil
	}

	nc, err := nats.Connect(url)
	if err != nil {
		log.Printf("NATS connection failed, continuing without event bus: %v", err)
		return nil
	}

	log.Println("NATS connection established")
	return nc
}
