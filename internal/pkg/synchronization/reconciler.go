package synchronization

import (
	"context"
	"errors"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/ngsild"
)

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//EntitySyncedMessage is published on the message bus after an entity has been
//pushed to its broker successfully
type EntitySyncedMessage struct {
	EntityID   string    `json:"entityId"`
	EntityType string    `json:"entityType"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

//NewEntitySyncedMessage creates a sync event for the given entity and upsert outcome
func NewEntitySyncedMessage(entityID, entityType string, result ngsild.UpsertResult) *EntitySyncedMessage {
	return &EntitySyncedMessage{
		EntityID:   entityID,
		EntityType: entityType,
		Outcome:    string(result),
		Timestamp:  time.Now().UTC(),
	}
}

//ContentType returns the content type of this message
func (m *EntitySyncedMessage) ContentType() string {
	return "application/json"
}

//TopicName returns the name of the topic that this message should be published on
func (m *EntitySyncedMessage) TopicName() string {
	return "entity.synced"
}

//Reconciler pushes local entity mutations to the owning broker and records
//the outcome as sync state. Failures are recorded, never retried on their
//own; a retry is an explicit resync triggered by the operator.
type Reconciler struct {
	db        database.Datastore
	log       logging.Logger
	messenger MessagingContext
}

//NewReconciler returns a reconciler. The messenger may be nil, in which case
//no sync events are published.
func NewReconciler(db database.Datastore, log logging.Logger, messenger MessagingContext) *Reconciler {
	return &Reconciler{db: db, log: log, messenger: messenger}
}

//Register hooks the reconciler into the datastore so that every local entity
//mutation, except those stored with SkipSync, is pushed to the broker
func (r *Reconciler) Register() {
	r.db.OnEntitySaved(func(entity *models.Entity) {
		err := r.Sync(context.Background(), entity)
		if err != nil {
			r.log.Errorf("failed to sync entity %s: %s", entity.EntityID, err.Error())
		}
	})
}

//Sync upserts the entity into its broker and updates the local sync state.
//The broker body is the entity envelope with the stored attributes spread
//into it, using the short form of the type name.
func (r *Reconciler) Sync(ctx context.Context, entity *models.Entity) error {
	source, err := r.db.GetSourceFromPrimaryKey(entity.SourceID)
	if err != nil {
		r.recordFailure(entity, "entity has no resolvable source: "+err.Error())
		return err
	}

	contextURL := source.ContextURL
	entityType := models.ShortTypeName(entity.Type)

	dataModel, err := r.db.GetDataModelFromPrimaryKey(entity.DataModelID)
	if err == nil {
		entityType = models.ShortTypeName(dataModel.Name)
		if dataModel.ContextURL != "" {
			contextURL = dataModel.ContextURL
		}
	} else {
		r.log.Warnf("entity %s has no data model, falling back to stored type %s", entity.EntityID, entityType)
	}

	attributes, err := entity.AttributeMap()
	if err != nil {
		r.recordFailure(entity, "stored attributes are not valid JSON: "+err.Error())
		return err
	}

	body := map[string]interface{}{
		"id":   entity.EntityID,
		"type": entityType,
	}
	for name, value := range attributes {
		body[name] = value
	}

	client, err := ngsild.NewClient(ngsild.ClientConfig{
		BrokerURL:   source.BrokerURL,
		Service:     entity.Service,
		ServicePath: entity.ServicePath,
		AuthToken:   source.AuthToken,
		ContextURL:  contextURL,
	})
	if err != nil {
		r.recordFailure(entity, err.Error())
		return err
	}

	outcome, err := client.UpsertEntity(ctx, body)
	if err != nil {
		r.recordFailure(entity, failureMessage(err))
		return err
	}

	if outcome.Detail != "" {
		r.log.Warnf("broker applied a partial update to %s: %s", entity.EntityID, outcome.Detail)
	}

	now := time.Now().UTC()
	err = r.db.UpdateEntitySyncState(entity.EntityID, models.SyncStatusSynced, &now, "")
	if err != nil {
		return err
	}

	r.publishSyncEvent(entity.EntityID, entityType, outcome.Result)

	return nil
}

func (r *Reconciler) recordFailure(entity *models.Entity, message string) {
	err := r.db.UpdateEntitySyncState(entity.EntityID, models.SyncStatusError, nil, message)
	if err != nil {
		r.log.Errorf("failed to record sync failure for %s: %s", entity.EntityID, err.Error())
	}
}

func (r *Reconciler) publishSyncEvent(entityID, entityType string, result ngsild.UpsertResult) {
	if r.messenger == nil {
		return
	}

	err := r.messenger.PublishOnTopic(NewEntitySyncedMessage(entityID, entityType, result))
	if err != nil {
		r.log.Warnf("failed to publish sync event for %s: %s", entityID, err.Error())
	}
}

//failureMessage extracts the most specific description available, preferring
//the ProblemDetails fields preserved from the broker response
func failureMessage(err error) string {
	brokerErr := &ngsild.BrokerError{}
	if errors.As(err, &brokerErr) {
		return brokerErr.Message()
	}

	return err.Error()
}
