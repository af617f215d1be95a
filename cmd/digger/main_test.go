package main

import (
	"context"
	"errors"
	"testing"

	"github.com/PancyStudios/DiggerBotGo/pkg/config"
)

type indexer struct{ err error }

func (i indexer) EnsureIndexes(context.Context) error { return i.err }

func TestPrepareStore(t *testing.T) {
	boom := errors.New("permission denied for schema public")
	tests := []struct {
		name    string
		driver  string
		err     error
		wantErr bool
	}{
		{"postgres ok", config.DriverPostgres, nil, false},
		{"postgres schema failure", config.DriverPostgres, boom, true},
		{"mongo index failure", config.DriverMongo, boom, false},
		{"memory", config.DriverMemory, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := prepareStore(context.Background(), indexer{tt.err}, tt.driver)
			if (err != nil) != tt.wantErr {
				t.Errorf("prepareStore() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
