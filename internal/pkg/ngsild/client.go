package ngsild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"
)

//CoreContextURL is the NGSI-LD core context, used for compaction when a data
//model does not specify a context of its own
const CoreContextURL = "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context.jsonld"

//DefaultTimeout bounds every broker call so that an unreachable broker can not
//stall the caller indefinitely
const DefaultTimeout = 10 * time.Second

const entitiesPath = "/ngsi-ld/v1/entities"

//ClientConfig holds everything needed to talk to one context broker within one tenant scope
type ClientConfig struct {
	BrokerURL   string
	Service     string
	ServicePath string
	AuthToken   string
	ContextURL  string
}

//Client implements the NGSI-LD entity operations against a single context broker
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

//NewClient validates the configuration and returns a client for the given broker
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, errors.New("a broker URL is required")
	}

	if cfg.ContextURL == "" {
		cfg.ContextURL = CoreContextURL
	}

	cfg.BrokerURL = strings.TrimSuffix(cfg.BrokerURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

//WithScope returns a client that talks to the same broker within another tenant scope
func (c *Client) WithScope(service, servicePath string) *Client {
	scoped := *c
	scoped.cfg.Service = service
	scoped.cfg.ServicePath = servicePath
	return &scoped
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BrokerURL+path, body)
	if err != nil {
		return nil, err
	}

	if service := strings.TrimSpace(c.cfg.Service); service != "" {
		req.Header.Set("Fiware-Service", service)
	}
	if servicePath := strings.TrimSpace(c.cfg.ServicePath); servicePath != "" {
		req.Header.Set("Fiware-ServicePath", servicePath)
	}
	if token := strings.TrimSpace(c.cfg.AuthToken); token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	return req, nil
}

func (c *Client) linkHeader() string {
	return fmt.Sprintf("<%s>; rel=\"http://www.w3.org/ns/json-ld#context\"; type=\"application/ld+json\"", c.cfg.ContextURL)
}

//setResponseMode applies the NGSI-LD content negotiation rule: compacted
//responses are requested with Accept: application/json plus a Link header,
//embedded responses with Accept: application/ld+json and no Link header.
//Sending both violates the NGSI-LD spec and confuses type compaction.
func (c *Client) setResponseMode(req *http.Request, embedContext bool) {
	if embedContext {
		req.Header.Set("Accept", "application/ld+json")
		return
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Link", c.linkHeader())
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to reach broker: %w", err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read broker response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, body, newBrokerError(resp.StatusCode, body)
	}

	return resp.StatusCode, body, nil
}

//CreateEntity posts a new entity to the broker in compacted form
func (c *Client) CreateEntity(ctx context.Context, entity map[string]interface{}) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, entitiesPath, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Link", c.linkHeader())

	_, _, err = c.do(req)
	return err
}

//GetEntity retrieves a single entity. With embedContext set the broker embeds
//the @context in the response body, otherwise the response is compacted
//against the externally supplied context.
func (c *Client) GetEntity(ctx context.Context, entityID string, embedContext bool) (map[string]interface{}, error) {
	if entityID == "" {
		return nil, errors.New("an entity id is required")
	}

	req, err := c.newRequest(ctx, http.MethodGet, entitiesPath+"/"+entityID, nil)
	if err != nil {
		return nil, err
	}

	c.setResponseMode(req, embedContext)

	_, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	entity := map[string]interface{}{}
	err = json.Unmarshal(body, &entity)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entity %s: %w", entityID, err)
	}

	return entity, nil
}

//UpdateEntityAttrs patches a subset of an entity's attributes. Brokers may
//apply the patch partially and answer 207; the multi status body is returned
//to the caller instead of being swallowed.
func (c *Client) UpdateEntityAttrs(ctx context.Context, entityID string, attrs map[string]interface{}) (string, error) {
	if entityID == "" {
		return "", errors.New("an entity id is required")
	}

	payload, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPatch, entitiesPath+"/"+entityID+"/attrs", bytes.NewBuffer(payload))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Link", c.linkHeader())

	statusCode, body, err := c.do(req)
	if err != nil {
		return "", err
	}

	if statusCode == http.StatusMultiStatus {
		return strings.TrimSpace(string(body)), nil
	}

	return "", nil
}

//DeleteEntity removes an entity from the broker. The returned bool tells
//whether the broker actually deleted anything, a 404 also satisfies a remove
//intent but is reported as false.
func (c *Client) DeleteEntity(ctx context.Context, entityID string) (bool, error) {
	if entityID == "" {
		return false, errors.New("an entity id is required")
	}

	req, err := c.newRequest(ctx, http.MethodDelete, entitiesPath+"/"+entityID, nil)
	if err != nil {
		return false, err
	}

	_, _, err = c.do(req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

//EntityExists probes the broker with a HEAD request. A 404 means definitely
//absent, any other error status is returned as an error so that an
//unreachable broker is never mistaken for a missing entity.
func (c *Client) EntityExists(ctx context.Context, entityID string) (bool, error) {
	if entityID == "" {
		return false, errors.New("an entity id is required")
	}

	req, err := c.newRequest(ctx, http.MethodHead, entitiesPath+"/"+entityID, nil)
	if err != nil {
		return false, err
	}

	c.setResponseMode(req, false)

	_, _, err = c.do(req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

//UpsertResult reports which branch an upsert took
type UpsertResult string

//The two possible upsert outcomes
const (
	UpsertResultCreated UpsertResult = "created"
	UpsertResultUpdated UpsertResult = "updated"
)

//UpsertOutcome carries the branch taken and any multi status detail from the update branch
type UpsertOutcome struct {
	Result UpsertResult
	Detail string
}

//UpsertEntity probes for existence and then creates or patches the entity.
//The probe and the write are two separate requests, so two concurrent upserts
//of the same entity can race; the loser receives a 409 from the broker. There
//is no atomic upsert primitive across NGSI-LD broker implementations, so this
//is an accepted limitation.
func (c *Client) UpsertEntity(ctx context.Context, entity map[string]interface{}) (*UpsertOutcome, error) {
	entityID, _ := entity["id"].(string)
	if entityID == "" {
		return nil, errors.New("an entity id is required")
	}

	exists, err := c.EntityExists(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if !exists {
		err = c.CreateEntity(ctx, entity)
		if err != nil {
			return nil, err
		}

		return &UpsertOutcome{Result: UpsertResultCreated}, nil
	}

	attrs := map[string]interface{}{}
	for name, value := range entity {
		if name == "id" || name == "type" || name == "@context" {
			continue
		}
		attrs[name] = value
	}

	detail, err := c.UpdateEntityAttrs(ctx, entityID, attrs)
	if err != nil {
		return nil, err
	}

	return &UpsertOutcome{Result: UpsertResultUpdated, Detail: detail}, nil
}

//QueryEntities lists entities within the client's tenant scope, in key value
//form and bounded to keep a single discovery call from flooding the caller
func (c *Client) QueryEntities(ctx context.Context) ([]map[string]interface{}, error) {
	params := url.Values{}
	params.Set("limit", "1000")
	params.Set("options", "keyValues")
	params.Set("local", "true")

	req, err := c.newRequest(ctx, http.MethodGet, entitiesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	c.setResponseMode(req, false)

	_, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	entities := []map[string]interface{}{}
	err = json.Unmarshal(body, &entities)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entities: %w", err)
	}

	return entities, nil
}
