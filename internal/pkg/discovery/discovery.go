package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/ngsild"
)

//DiscoveredEntity is the transient result of a discovery scan, it only lives
//for the duration of an import session and is never persisted
type DiscoveredEntity struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Service       string `json:"service"`
	ServicePath   string `json:"servicePath"`
	AlreadySynced bool   `json:"alreadySynced"`
}

//ScopeError attributes a broker failure to the exact tenant scope it occurred in
type ScopeError struct {
	Service     string `json:"service"`
	ServicePath string `json:"servicePath"`
	Error       string `json:"error"`
}

//DiscoveryResult aggregates the entities found across all tenant scopes of a source
type DiscoveryResult struct {
	Entities      []DiscoveredEntity `json:"entities"`
	Total         int                `json:"total"`
	AlreadySynced int                `json:"alreadySynced"`
	Errors        []ScopeError       `json:"errors,omitempty"`
}

//ImportCandidate identifies one discovered entity selected for import
type ImportCandidate struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Service     string                 `json:"service"`
	ServicePath string                 `json:"servicePath"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
}

//ImportFailure reports why a single candidate could not be imported
type ImportFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

//ImportResult itemizes the outcome of an import batch
type ImportResult struct {
	Success []string        `json:"success"`
	Failed  []ImportFailure `json:"failed"`
}

//Engine discovers entities in remote brokers and imports selected ones into the local store
type Engine struct {
	db  database.Datastore
	log logging.Logger
}

//NewEngine returns a discovery engine backed by the given datastore
func NewEngine(db database.Datastore, log logging.Logger) *Engine {
	return &Engine{db: db, log: log}
}

func (e *Engine) clientForSource(source *models.Source) (*ngsild.Client, error) {
	return ngsild.NewClient(ngsild.ClientConfig{
		BrokerURL:  source.BrokerURL,
		AuthToken:  source.AuthToken,
		ContextURL: source.ContextURL,
	})
}

//DiscoverEntities queries the source's broker across the cross product of its
//configured services and service paths. A failure in one scope is recorded
//and attributed to that scope, and never aborts discovery of the others.
func (e *Engine) DiscoverEntities(ctx context.Context, sourceID string) (*DiscoveryResult, error) {
	source, err := e.db.GetSourceByID(sourceID)
	if err != nil {
		return nil, err
	}

	client, err := e.clientForSource(source)
	if err != nil {
		return nil, err
	}

	synced, err := e.syncedEntityIDs(source)
	if err != nil {
		return nil, err
	}

	result := &DiscoveryResult{
		Entities: []DiscoveredEntity{},
		Errors:   []ScopeError{},
	}

	for _, service := range source.ServiceValues() {
		for _, servicePath := range source.ServicePathValues() {
			entities, err := client.WithScope(service, servicePath).QueryEntities(ctx)
			if err != nil {
				e.log.Errorf("discovery failed for scope %s%s on source %s: %s", service, servicePath, sourceID, err.Error())
				result.Errors = append(result.Errors, ScopeError{
					Service:     service,
					ServicePath: servicePath,
					Error:       err.Error(),
				})
				continue
			}

			for _, entity := range entities {
				entityID, _ := entity["id"].(string)
				if entityID == "" {
					continue
				}

				entityType, _ := entity["type"].(string)

				discovered := DiscoveredEntity{
					ID:            entityID,
					Type:          entityType,
					Service:       service,
					ServicePath:   servicePath,
					AlreadySynced: synced[entityID],
				}

				result.Entities = append(result.Entities, discovered)
				result.Total++
				if discovered.AlreadySynced {
					result.AlreadySynced++
				}
			}
		}
	}

	return result, nil
}

//syncedEntityIDs builds the membership set used to flag discovered entities
//that are already mirrored locally. Membership is decided by the local store,
//never by the broker's own state.
func (e *Engine) syncedEntityIDs(source *models.Source) (map[string]bool, error) {
	entities, err := e.db.GetEntitiesBySource(source.ID)
	if err != nil {
		return nil, err
	}

	synced := map[string]bool{}
	for _, entity := range entities {
		synced[entity.EntityID] = true
	}

	return synced, nil
}

//ImportEntities imports the given candidates into the local store without
//pushing them back to the broker. Failures are collected per entity, partial
//success is the expected outcome of a batch.
func (e *Engine) ImportEntities(ctx context.Context, sourceID string, candidates []ImportCandidate) (*ImportResult, error) {
	source, err := e.db.GetSourceByID(sourceID)
	if err != nil {
		return nil, err
	}

	client, err := e.clientForSource(source)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{
		Success: []string{},
		Failed:  []ImportFailure{},
	}

	for _, candidate := range candidates {
		err := e.importEntity(ctx, client, source, candidate)
		if err != nil {
			result.Failed = append(result.Failed, ImportFailure{ID: candidate.ID, Error: err.Error()})
			continue
		}

		result.Success = append(result.Success, candidate.ID)
	}

	return result, nil
}

func (e *Engine) importEntity(ctx context.Context, client *ngsild.Client, source *models.Source, candidate ImportCandidate) error {
	if candidate.ID == "" {
		return errors.New("missing entity id")
	}
	if candidate.Type == "" {
		return errors.New("missing entity type")
	}

	dataModel, err := e.FindOrCreateDataModel(candidate.Type)
	if err != nil {
		return err
	}

	attributes := candidate.Attributes
	if len(attributes) == 0 {
		attributes, err = e.fetchAttributes(ctx, client, candidate)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()

	entity := &models.Entity{
		EntityID:     candidate.ID,
		Type:         models.ShortTypeName(candidate.Type),
		Service:      candidate.Service,
		ServicePath:  candidate.ServicePath,
		SourceID:     source.ID,
		DataModelID:  dataModel.ID,
		SyncStatus:   models.SyncStatusSynced,
		LastSyncTime: &now,
	}

	err = entity.SetAttributeMap(attributes)
	if err != nil {
		return err
	}

	// the broker copy is authoritative, never echo it back
	_, err = e.db.CreateEntity(entity, database.SaveOptions{SkipSync: true})
	return err
}

//FindOrCreateDataModel resolves the data model for an entity type by short or
//long type name, creating one with the short name and the core context when
//no match exists
func (e *Engine) FindOrCreateDataModel(typeName string) (*models.DataModel, error) {
	dataModel, err := e.db.GetDataModelByType(typeName)
	if err == nil {
		return dataModel, nil
	}

	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	shortName := models.ShortTypeName(typeName)

	created := &models.DataModel{
		Name:       shortName,
		ContextURL: ngsild.CoreContextURL,
	}
	if typeName != shortName {
		created.TypeURL = typeName
	}

	e.log.Infof("no data model found for type %s, creating %s", typeName, shortName)

	return e.db.CreateDataModel(created)
}

func (e *Engine) fetchAttributes(ctx context.Context, client *ngsild.Client, candidate ImportCandidate) (map[string]interface{}, error) {
	entity, err := client.WithScope(candidate.Service, candidate.ServicePath).GetEntity(ctx, candidate.ID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity from broker: %w", err)
	}

	attributes := map[string]interface{}{}
	for name, value := range entity {
		if name == "id" || name == "type" || name == "@context" {
			continue
		}
		attributes[name] = value
	}

	return attributes, nil
}
