package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointFor(t *testing.T) {
	tests := []struct {
		name     string
		template string
		token    string
		id       string
		want     string
	}{
		{"ws", "ws://127.0.0.1:8080/ws/{id}", "", "demo-1", "ws://127.0.0.1:8080/ws/demo-1"},
		{"sse", "http://localhost:9000/sse/{id}", "", "demo-2", "http://localhost:9000/sse/demo-2"},
		{"escaped", "ws://h/ws/{id}", "", "a b", "ws://h/ws/a%20b"},
		{"token", "ws://h/ws/{id}", "s3cret", "x", "ws://h/ws/x?token=s3cret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endpointFor(tt.template, tt.token)(tt.id))
		})
	}
}
