package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//ErrAlreadyExists is returned when creating an entity whose entityId is already stored
var ErrAlreadyExists = errors.New("Entity already exists")

//ErrNotFound is returned when a requested record does not exist in the database
var ErrNotFound = errors.New("record not found")

//SaveOptions control the side effects of entity create and update operations
type SaveOptions struct {
	//SkipSync suppresses the entity saved hook, for records that originate from the broker
	SkipSync bool
}

//EntitySavedHook is invoked after an entity has been created or updated locally
type EntitySavedHook func(entity *models.Entity)

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	CreateSource(src *models.Source) (*models.Source, error)
	GetSources() ([]models.Source, error)
	GetSourceByID(sourceID string) (*models.Source, error)
	GetSourceFromPrimaryKey(id uint) (*models.Source, error)

	CreateDataModel(dataModel *models.DataModel) (*models.DataModel, error)
	GetDataModels() ([]models.DataModel, error)
	GetDataModelByType(typeName string) (*models.DataModel, error)
	GetDataModelFromPrimaryKey(id uint) (*models.DataModel, error)

	CreateEntity(entity *models.Entity, opts SaveOptions) (*models.Entity, error)
	GetEntityByEntityID(entityID string) (*models.Entity, error)
	GetEntitiesBySource(sourceID uint) ([]models.Entity, error)
	UpdateEntityAttributes(entityID string, attributes map[string]interface{}, opts SaveOptions) (*models.Entity, error)
	UpdateEntitySyncState(entityID, status string, syncTime *time.Time, syncError string) error

	OnEntitySaved(hook EntitySavedHook)
}

var dbCtxKey = &databaseContextKey{"database"}

type databaseContextKey struct {
	name string
}

// Middleware packs a pointer to the datastore into context
func Middleware(db Datastore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), dbCtxKey, db)

			// and call the next with our new context
			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}

//GetFromContext extracts the database wrapper, if any, from the provided context
func GetFromContext(ctx context.Context) (Datastore, error) {
	db, ok := ctx.Value(dbCtxKey).(Datastore)
	if ok {
		return db, nil
	}

	return nil, errors.New("Failed to decode database from context")
}

type myDB struct {
	impl *gorm.DB

	entitySaved EntitySavedHook
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database
func NewPostgreSQLConnector(log logging.Logger) ConnectorFunc {
	dbHost := os.Getenv("NGSISYNC_DB_HOST")
	username := os.Getenv("NGSISYNC_DB_USER")
	dbName := os.Getenv("NGSISYNC_DB_NAME")
	password := os.Getenv("NGSISYNC_DB_PASSWORD")
	sslMode := getEnv("NGSISYNC_DB_SSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return func() (*gorm.DB, error) {
		for {
			log.Infof("Connecting to database host %s ...", dbHost)
			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{})
			if err != nil {
				log.Fatalf("Failed to connect to database %s", err)
				time.Sleep(3 * time.Second)
			} else {
				return db, nil
			}
		}
	}
}

//NewSQLiteConnector opens a connection to a local sqlite database
func NewSQLiteConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
	}

	db.impl.AutoMigrate(&models.Source{})
	db.impl.AutoMigrate(&models.SourceService{})
	db.impl.AutoMigrate(&models.SourceServicePath{})
	db.impl.AutoMigrate(&models.DataModel{})
	db.impl.AutoMigrate(&models.Entity{})

	return db, nil
}

//OnEntitySaved registers a hook that is called after local entity mutations,
//unless the mutation was stored with SkipSync
func (db *myDB) OnEntitySaved(hook EntitySavedHook) {
	db.entitySaved = hook
}

func (db *myDB) CreateSource(src *models.Source) (*models.Source, error) {
	result := db.impl.Create(src)
	if result.Error != nil {
		return nil, result.Error
	}

	return src, nil
}

func (db *myDB) GetSources() ([]models.Source, error) {
	sources := []models.Source{}
	result := db.impl.Preload("Services").Preload("ServicePaths").Find(&sources)
	if result.Error != nil {
		return nil, result.Error
	}

	return sources, nil
}

func (db *myDB) GetSourceByID(sourceID string) (*models.Source, error) {
	src := &models.Source{}
	result := db.impl.Preload("Services").Preload("ServicePaths").Where("source_id = ?", sourceID).First(src)
	if result.RowsAffected == 1 {
		return src, nil
	}

	return nil, fmt.Errorf("no source found matching %s: %w", sourceID, ErrNotFound)
}

func (db *myDB) GetSourceFromPrimaryKey(id uint) (*models.Source, error) {
	src := &models.Source{}
	result := db.impl.Preload("Services").Preload("ServicePaths").First(src, id)
	if result.RowsAffected == 1 {
		return src, nil
	}

	return nil, fmt.Errorf("no source found with key %d: %w", id, ErrNotFound)
}

func (db *myDB) CreateDataModel(dataModel *models.DataModel) (*models.DataModel, error) {
	dataModel.Name = models.ShortTypeName(dataModel.Name)

	result := db.impl.Create(dataModel)
	if result.Error != nil {
		return nil, result.Error
	}

	return dataModel, nil
}

func (db *myDB) GetDataModels() ([]models.DataModel, error) {
	dataModels := []models.DataModel{}
	result := db.impl.Find(&dataModels)
	if result.Error != nil {
		return nil, result.Error
	}

	return dataModels, nil
}

//GetDataModelByType matches a data model by short name or by full type URL
func (db *myDB) GetDataModelByType(typeName string) (*models.DataModel, error) {
	dataModel := &models.DataModel{}

	shortName := models.ShortTypeName(typeName)
	result := db.impl.Where("name = ? OR type_url = ?", shortName, typeName).First(dataModel)
	if result.RowsAffected == 1 {
		return dataModel, nil
	}

	return nil, fmt.Errorf("no data model found matching %s: %w", typeName, ErrNotFound)
}

func (db *myDB) GetDataModelFromPrimaryKey(id uint) (*models.DataModel, error) {
	dataModel := &models.DataModel{}
	result := db.impl.First(dataModel, id)
	if result.RowsAffected == 1 {
		return dataModel, nil
	}

	return nil, fmt.Errorf("no data model found with key %d: %w", id, ErrNotFound)
}

func (db *myDB) CreateEntity(entity *models.Entity, opts SaveOptions) (*models.Entity, error) {
	if entity.EntityID == "" {
		return nil, fmt.Errorf("CreateEntity requires a non-empty entity id")
	}

	existing := &models.Entity{}
	result := db.impl.Where("entity_id = ?", entity.EntityID).First(existing)
	if result.RowsAffected == 1 {
		return nil, ErrAlreadyExists
	}

	if entity.SyncStatus == "" {
		entity.SyncStatus = models.SyncStatusPending
	}

	result = db.impl.Create(entity)
	if result.Error != nil {
		return nil, result.Error
	}

	if !opts.SkipSync && db.entitySaved != nil {
		db.entitySaved(entity)
	}

	return entity, nil
}

func (db *myDB) GetEntityByEntityID(entityID string) (*models.Entity, error) {
	entity := &models.Entity{}
	result := db.impl.Where("entity_id = ?", entityID).First(entity)
	if result.RowsAffected == 1 {
		return entity, nil
	}

	return nil, fmt.Errorf("no entity found matching %s: %w", entityID, ErrNotFound)
}

func (db *myDB) GetEntitiesBySource(sourceID uint) ([]models.Entity, error) {
	entities := []models.Entity{}
	result := db.impl.Where("source_id = ?", sourceID).Find(&entities)
	if result.Error != nil {
		return nil, result.Error
	}

	return entities, nil
}

func (db *myDB) UpdateEntityAttributes(entityID string, attributes map[string]interface{}, opts SaveOptions) (*models.Entity, error) {
	entity, err := db.GetEntityByEntityID(entityID)
	if err != nil {
		return nil, err
	}

	err = entity.SetAttributeMap(attributes)
	if err != nil {
		return nil, err
	}

	if !opts.SkipSync {
		entity.SyncStatus = models.SyncStatusPending
	}

	result := db.impl.Save(entity)
	if result.Error != nil {
		return nil, result.Error
	}

	if !opts.SkipSync && db.entitySaved != nil {
		db.entitySaved(entity)
	}

	return entity, nil
}

//UpdateEntitySyncState records the outcome of a broker push without triggering the saved hook
func (db *myDB) UpdateEntitySyncState(entityID, status string, syncTime *time.Time, syncError string) error {
	entity, err := db.GetEntityByEntityID(entityID)
	if err != nil {
		return err
	}

	entity.SyncStatus = status
	entity.LastSyncError = syncError
	if syncTime != nil {
		entity.LastSyncTime = syncTime
	}

	result := db.impl.Save(entity)
	return result.Error
}
