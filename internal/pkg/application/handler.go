package application

import (
	"compress/flate"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/discovery"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/ngsild"
	"github.com/iot-for-tillgenglighet/ngsi-entity-sync/internal/pkg/synchronization"
)

type RequestRouter struct {
	impl *chi.Mux
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

func newRequestRouter() *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for ngsi-ld responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json", "application/ld+json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)

	return router
}

type api struct {
	log        logging.Logger
	db         database.Datastore
	engine     *discovery.Engine
	reconciler *synchronization.Reconciler
}

func createRequestRouter(a *api) *RequestRouter {
	router := newRequestRouter()

	router.impl.Use(database.Middleware(a.db))

	router.Get("/api/ngsi/sources", a.listSources)
	router.Post("/api/ngsi/sources", a.createSource)
	router.Post("/api/ngsi/discover", a.discover)
	router.Post("/api/ngsi/import", a.importEntities)
	router.Post("/api/ngsi/entities", a.createEntity)
	router.Get("/api/ngsi/entities/{entityID}", a.retrieveEntity)
	router.Post("/api/ngsi/entities/{entityID}/resync", a.resyncEntity)
	router.Get("/api/ngsi/proxy", a.proxy)

	return router
}

//CreateRouterAndStartServing sets up the API router, hooks the reconciler
//into the datastore and starts serving incoming requests
func CreateRouterAndStartServing(log logging.Logger, messenger synchronization.MessagingContext, db database.Datastore) {
	reconciler := synchronization.NewReconciler(db, log, messenger)
	reconciler.Register()

	a := &api{
		log:        log,
		db:         db,
		engine:     discovery.NewEngine(db, log),
		reconciler: reconciler,
	}

	router := createRequestRouter(a)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8880"
	}

	log.Infof("Starting ngsi-entity-sync on port %s.", port)
	log.Fatal(http.ListenAndServe(":"+port, router.impl))
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

type discoverRequest struct {
	SourceID string `json:"sourceId"`
}

func (a *api) discover(w http.ResponseWriter, r *http.Request) {
	req := discoverRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.SourceID == "" {
		respondWithError(w, http.StatusBadRequest, "a sourceId is required")
		return
	}

	result, err := a.engine.DiscoverEntities(r.Context(), req.SourceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

type importRequest struct {
	SourceID string                      `json:"sourceId"`
	Entities []discovery.ImportCandidate `json:"entities"`
}

type importResponse struct {
	Message string                    `json:"message"`
	Success []string                  `json:"success"`
	Failed  []discovery.ImportFailure `json:"failed"`
}

func (a *api) importEntities(w http.ResponseWriter, r *http.Request) {
	req := importRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.SourceID == "" {
		respondWithError(w, http.StatusBadRequest, "a sourceId is required")
		return
	}

	result, err := a.engine.ImportEntities(r.Context(), req.SourceID, req.Entities)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, importResponse{
		Message: fmt.Sprintf("Imported %d entities, %d failed", len(result.Success), len(result.Failed)),
		Success: result.Success,
		Failed:  result.Failed,
	})
}

type createSourceRequest struct {
	Name         string   `json:"name"`
	BrokerURL    string   `json:"brokerUrl"`
	AuthToken    string   `json:"authToken"`
	ContextURL   string   `json:"contextUrl"`
	Services     []string `json:"services"`
	ServicePaths []string `json:"servicePaths"`
}

type sourceResponse struct {
	SourceID     string   `json:"sourceId"`
	Name         string   `json:"name"`
	BrokerURL    string   `json:"brokerUrl"`
	ContextURL   string   `json:"contextUrl,omitempty"`
	Services     []string `json:"services"`
	ServicePaths []string `json:"servicePaths"`
}

func newSourceResponse(src *models.Source) sourceResponse {
	return sourceResponse{
		SourceID:     src.SourceID,
		Name:         src.Name,
		BrokerURL:    src.BrokerURL,
		ContextURL:   src.ContextURL,
		Services:     src.ServiceValues(),
		ServicePaths: src.ServicePathValues(),
	}
}

func (a *api) createSource(w http.ResponseWriter, r *http.Request) {
	req := createSourceRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || strings.TrimSpace(req.BrokerURL) == "" {
		respondWithError(w, http.StatusBadRequest, "a broker URL is required")
		return
	}

	src := &models.Source{
		SourceID:   uuid.New().String(),
		Name:       req.Name,
		BrokerURL:  strings.TrimSpace(req.BrokerURL),
		AuthToken:  req.AuthToken,
		ContextURL: req.ContextURL,
	}

	for _, service := range req.Services {
		src.Services = append(src.Services, models.SourceService{Value: service})
	}
	for _, servicePath := range req.ServicePaths {
		src.ServicePaths = append(src.ServicePaths, models.SourceServicePath{Value: servicePath})
	}

	src, err = a.db.CreateSource(src)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusCreated, newSourceResponse(src))
}

func (a *api) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := a.db.GetSources()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := []sourceResponse{}
	for idx := range sources {
		response = append(response, newSourceResponse(&sources[idx]))
	}

	respondWithJSON(w, http.StatusOK, response)
}

type createEntityRequest struct {
	EntityID    string                 `json:"entityId"`
	Type        string                 `json:"type"`
	SourceID    string                 `json:"sourceId"`
	Service     string                 `json:"service"`
	ServicePath string                 `json:"servicePath"`
	Attributes  map[string]interface{} `json:"attributes"`
}

type entityResponse struct {
	EntityID      string     `json:"entityId"`
	Type          string     `json:"type"`
	SyncStatus    string     `json:"syncStatus"`
	LastSyncTime  *time.Time `json:"lastSyncTime,omitempty"`
	LastSyncError string     `json:"lastSyncError,omitempty"`
}

//createEntity stores a new local entity and lets the reconciliation hook push
//it to the owning broker
func (a *api) createEntity(w http.ResponseWriter, r *http.Request) {
	req := createEntityRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.EntityID == "" || req.Type == "" || req.SourceID == "" {
		respondWithError(w, http.StatusBadRequest, "entityId, type and sourceId are required")
		return
	}

	source, err := a.db.GetSourceByID(req.SourceID)
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	dataModel, err := a.engine.FindOrCreateDataModel(req.Type)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entity := &models.Entity{
		EntityID:    req.EntityID,
		Type:        models.ShortTypeName(req.Type),
		Service:     req.Service,
		ServicePath: req.ServicePath,
		SourceID:    source.ID,
		DataModelID: dataModel.ID,
	}

	err = entity.SetAttributeMap(req.Attributes)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = a.db.CreateEntity(entity, database.SaveOptions{})
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// reload to pick up the sync state recorded by the hook
	stored, err := a.db.GetEntityByEntityID(entity.EntityID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusCreated, entityResponse{
		EntityID:      stored.EntityID,
		Type:          stored.Type,
		SyncStatus:    stored.SyncStatus,
		LastSyncTime:  stored.LastSyncTime,
		LastSyncError: stored.LastSyncError,
	})
}

//retrieveEntity fetches the live broker state of a locally known entity
func (a *api) retrieveEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	if entityID == "" {
		respondWithError(w, http.StatusBadRequest, "an entity id is required")
		return
	}

	db, err := database.GetFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entity, err := db.GetEntityByEntityID(entityID)
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	source, err := db.GetSourceFromPrimaryKey(entity.SourceID)
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	client, err := ngsild.NewClient(ngsild.ClientConfig{
		BrokerURL:   source.BrokerURL,
		Service:     entity.Service,
		ServicePath: entity.ServicePath,
		AuthToken:   source.AuthToken,
		ContextURL:  source.ContextURL,
	})
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	embedContext := r.URL.Query().Get("embedContext") == "true"

	brokerEntity, err := client.GetEntity(r.Context(), entityID, embedContext)
	if err != nil {
		if errors.Is(err, ngsild.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "entity not found in broker, try resync")
			return
		}
		respondWithError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, brokerEntity)
}

//resyncEntity pushes the locally stored state of an entity to the broker
//again. This is the explicit, user triggered retry; failed syncs are never
//retried automatically.
func (a *api) resyncEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	if entityID == "" {
		respondWithError(w, http.StatusBadRequest, "an entity id is required")
		return
	}

	entity, err := a.db.GetEntityByEntityID(entityID)
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	err = a.reconciler.Sync(r.Context(), entity)
	if err != nil {
		if errors.Is(err, ngsild.ErrConflict) {
			// someone created the entity between probe and write, a rerun will patch it
			respondWithError(w, http.StatusConflict, "entity was created in the broker concurrently, run resync again to update it")
			return
		}
		respondWithError(w, http.StatusBadGateway, err.Error())
		return
	}

	stored, err := a.db.GetEntityByEntityID(entityID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, entityResponse{
		EntityID:     stored.EntityID,
		Type:         stored.Type,
		SyncStatus:   stored.SyncStatus,
		LastSyncTime: stored.LastSyncTime,
	})
}

//proxy forwards a browser originated request to a broker, so that dashboards
//served over https can reach brokers that only speak http
func (a *api) proxy(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	broker := strings.TrimSpace(query.Get("broker"))
	if broker == "" {
		respondWithError(w, http.StatusBadRequest, "a broker URL is required")
		return
	}

	brokerURL, err := url.Parse(broker)
	if err != nil || (brokerURL.Scheme != "http" && brokerURL.Scheme != "https") {
		respondWithError(w, http.StatusBadRequest, "broker must be an absolute http or https URL")
		return
	}

	path := query.Get("path")
	if path == "" {
		path = "/ngsi-ld/v1/entities"
	}

	params := url.Values{}
	for name, values := range query {
		if name == "broker" || name == "path" {
			continue
		}
		for _, value := range values {
			params.Add(name, value)
		}
	}

	target := strings.TrimSuffix(broker, "/") + path
	if len(params) > 0 {
		target = target + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, header := range []string{"Accept", "Link", "Fiware-Service", "Fiware-ServicePath", "X-Auth-Token"} {
		if value := r.Header.Get(header); value != "" {
			req.Header.Set(header, value)
		}
	}

	httpClient := &http.Client{Timeout: ngsild.DefaultTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, "failed to reach broker: "+err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, err.Error())
		return
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}
