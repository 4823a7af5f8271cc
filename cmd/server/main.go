package main

import (
	"github.com/eleven-am/companion-backend/internal/bootstrap"
)

// @title Companion Backend API
// @version 1.0.0
// @description Chat, speech and channel delivery server for the companion frontend

// @BasePath /

func main() {
	bootstrap.Run()
}
