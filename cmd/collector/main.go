package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("collector", "a telemetry batch collector", NewService())
}
