package synchronization

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type msgMock struct {
	PublishCount uint32
	LastMessage  messaging.TopicMessage
}

func (m *msgMock) PublishOnTopic(message messaging.TopicMessage) error {
	m.PublishCount++
	m.LastMessage = message
	return nil
}

type brokerState struct {
	exists   bool
	failHead bool

	CreatedBodies [][]byte
	PatchedPaths  []string
}

func newBroker(t *testing.T, state *brokerState) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			if state.failHead {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			if !state.exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			body, _ := ioutil.ReadAll(r.Body)
			state.CreatedBodies = append(state.CreatedBodies, body)
			w.WriteHeader(http.StatusCreated)
		case http.MethodPatch:
			state.PatchedPaths = append(state.PatchedPaths, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	t.Cleanup(server.Close)

	return server
}

func newReconcilerForTest(t *testing.T, brokerURL string, messenger MessagingContext) (*Reconciler, database.Datastore, *models.Source, *models.DataModel) {
	log := logging.NewLogger()

	db, err := database.NewDatabaseConnection(database.NewSQLiteConnector(), log)
	require.NoError(t, err)

	src, err := db.CreateSource(&models.Source{
		SourceID:  "sync-" + t.Name(),
		Name:      t.Name(),
		BrokerURL: brokerURL,
	})
	require.NoError(t, err)

	dataModel, err := db.GetDataModelByType("Weather")
	if err != nil {
		dataModel, err = db.CreateDataModel(&models.DataModel{Name: "Weather"})
		require.NoError(t, err)
	}

	return NewReconciler(db, log, messenger), db, src, dataModel
}

func newSyncableEntity(t *testing.T, db database.Datastore, src *models.Source, dataModel *models.DataModel, entityID string) *models.Entity {
	entity := &models.Entity{
		EntityID:    entityID,
		Type:        "Weather",
		SourceID:    src.ID,
		DataModelID: dataModel.ID,
	}

	err := entity.SetAttributeMap(map[string]interface{}{
		"temperature": map[string]interface{}{"type": "Property", "value": 21.5},
	})
	require.NoError(t, err)

	_, err = db.CreateEntity(entity, database.SaveOptions{SkipSync: true})
	require.NoError(t, err)

	return entity
}

func TestSyncCreatesAbsentEntityAndRecordsSuccess(t *testing.T) {
	state := &brokerState{}
	broker := newBroker(t, state)

	messenger := &msgMock{}
	reconciler, db, src, dataModel := newReconcilerForTest(t, broker.URL, messenger)
	entity := newSyncableEntity(t, db, src, dataModel, "urn:ngsi-ld:Weather:create")

	err := reconciler.Sync(context.Background(), entity)
	require.NoError(t, err)

	require.Len(t, state.CreatedBodies, 1)

	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(state.CreatedBodies[0], &body))
	assert.Equal(t, "urn:ngsi-ld:Weather:create", body["id"])
	assert.Equal(t, "Weather", body["type"])
	assert.Contains(t, body, "temperature")

	stored, err := db.GetEntityByEntityID(entity.EntityID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)
	assert.NotNil(t, stored.LastSyncTime)
	assert.Empty(t, stored.LastSyncError)
}

func TestSyncPatchesExistingEntity(t *testing.T) {
	state := &brokerState{exists: true}
	broker := newBroker(t, state)

	reconciler, db, src, dataModel := newReconcilerForTest(t, broker.URL, nil)
	entity := newSyncableEntity(t, db, src, dataModel, "urn:ngsi-ld:Weather:patch")

	err := reconciler.Sync(context.Background(), entity)
	require.NoError(t, err)

	assert.Empty(t, state.CreatedBodies)
	require.Len(t, state.PatchedPaths, 1)
	assert.Equal(t, "/ngsi-ld/v1/entities/urn:ngsi-ld:Weather:patch/attrs", state.PatchedPaths[0])
}

func TestSyncRecordsBrokerFailureWithoutRetrying(t *testing.T) {
	state := &brokerState{failHead: true}
	broker := newBroker(t, state)

	reconciler, db, src, dataModel := newReconcilerForTest(t, broker.URL, nil)
	entity := newSyncableEntity(t, db, src, dataModel, "urn:ngsi-ld:Weather:failure")

	err := reconciler.Sync(context.Background(), entity)
	require.Error(t, err)

	stored, err := db.GetEntityByEntityID(entity.EntityID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, stored.SyncStatus)
	assert.NotEmpty(t, stored.LastSyncError)
	assert.Nil(t, stored.LastSyncTime)

	// one failed push leaves exactly one HEAD probe behind, nothing is retried
	assert.Empty(t, state.CreatedBodies)
	assert.Empty(t, state.PatchedPaths)
}

func TestSyncPublishesSyncEvent(t *testing.T) {
	state := &brokerState{}
	broker := newBroker(t, state)

	messenger := &msgMock{}
	reconciler, db, src, dataModel := newReconcilerForTest(t, broker.URL, messenger)
	entity := newSyncableEntity(t, db, src, dataModel, "urn:ngsi-ld:Weather:event")

	err := reconciler.Sync(context.Background(), entity)
	require.NoError(t, err)

	require.Equal(t, uint32(1), messenger.PublishCount)
	assert.Equal(t, "entity.synced", messenger.LastMessage.TopicName())
	assert.Equal(t, "application/json", messenger.LastMessage.ContentType())

	event, ok := messenger.LastMessage.(*EntitySyncedMessage)
	require.True(t, ok)
	assert.Equal(t, "urn:ngsi-ld:Weather:event", event.EntityID)
	assert.Equal(t, "created", event.Outcome)
}

func TestRegisteredHookPushesOnLocalCreate(t *testing.T) {
	state := &brokerState{}
	broker := newBroker(t, state)

	reconciler, db, src, dataModel := newReconcilerForTest(t, broker.URL, nil)
	reconciler.Register()

	entity := &models.Entity{
		EntityID:    "urn:ngsi-ld:Weather:hooked",
		Type:        "Weather",
		SourceID:    src.ID,
		DataModelID: dataModel.ID,
	}
	require.NoError(t, entity.SetAttributeMap(map[string]interface{}{
		"temperature": map[string]interface{}{"type": "Property", "value": 12.0},
	}))

	_, err := db.CreateEntity(entity, database.SaveOptions{})
	require.NoError(t, err)

	require.Len(t, state.CreatedBodies, 1)

	stored, err := db.GetEntityByEntityID(entity.EntityID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)
}

func TestSkipSyncNeverReachesTheBroker(t *testing.T) {
	state := &brokerState{}
	broker := newBroker(t, state)

	reconciler, db, src, dataModel := newReconcilerForTest(t, broker.URL, nil)
	reconciler.Register()

	entity := &models.Entity{
		EntityID:    "urn:ngsi-ld:Weather:imported",
		Type:        "Weather",
		SourceID:    src.ID,
		DataModelID: dataModel.ID,
		SyncStatus:  models.SyncStatusSynced,
	}

	_, err := db.CreateEntity(entity, database.SaveOptions{SkipSync: true})
	require.NoError(t, err)

	assert.Empty(t, state.CreatedBodies)
	assert.Empty(t, state.PatchedPaths)
}
