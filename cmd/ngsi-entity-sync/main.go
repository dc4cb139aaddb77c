package main

import (
	"github.com/joho/godotenv"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/application"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/database"
)

func main() {

	serviceName := "ngsi-entity-sync"

	godotenv.Load()

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	config := messaging.LoadConfiguration(serviceName)
	messenger, _ := messaging.Initialize(config)

	defer messenger.Close()

	db, err := database.NewDatabaseConnection(database.NewPostgreSQLConnector(log), log)
	if err != nil {
		log.Fatalf("Failed to connect to database: %s", err.Error())
	}

	application.CreateRouterAndStartServing(log, messenger, db)
}
