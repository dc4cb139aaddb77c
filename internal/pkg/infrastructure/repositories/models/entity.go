package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"
)

//Source is the database model for a configured context broker endpoint
type Source struct {
	gorm.Model
	SourceID     string `gorm:"unique"`
	Name         string
	BrokerURL    string
	AuthToken    string
	ContextURL   string
	Services     []SourceService
	ServicePaths []SourceServicePath
}

//SourceService holds one Fiware-Service value configured on a source
type SourceService struct {
	gorm.Model
	SourceID uint
	Value    string
}

//SourceServicePath holds one Fiware-ServicePath value configured on a source
type SourceServicePath struct {
	gorm.Model
	SourceID uint
	Value    string
}

//ServiceValues returns the configured services in creation order, falling back
//to the implicit default service when none are configured
func (s *Source) ServiceValues() []string {
	if len(s.Services) == 0 {
		return []string{""}
	}

	values := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		values = append(values, svc.Value)
	}
	return values
}

//ServicePathValues returns the configured service paths in creation order,
//falling back to the implicit default path when none are configured
func (s *Source) ServicePathValues() []string {
	if len(s.ServicePaths) == 0 {
		return []string{"/"}
	}

	values := make([]string, 0, len(s.ServicePaths))
	for _, sp := range s.ServicePaths {
		values = append(values, sp.Value)
	}
	return values
}

//DataModel is the database model for an NGSI-LD entity type definition
type DataModel struct {
	gorm.Model
	Name       string `gorm:"unique"`
	TypeURL    string
	ContextURL string
}

//Valid values for the SyncStatus column of an Entity
const (
	SyncStatusSynced  = "synced"
	SyncStatusPending = "pending"
	SyncStatusError   = "error"
)

//Entity is the database model that mirrors a remote NGSI-LD entity
type Entity struct {
	gorm.Model
	EntityID      string `gorm:"unique"`
	Type          string
	Service       string
	ServicePath   string
	Attributes    string
	SourceID      uint
	Source        Source
	DataModelID   uint
	DataModel     DataModel
	SyncStatus    string
	LastSyncTime  *time.Time
	LastSyncError string
}

//AttributeMap decodes the stored attribute document into a map
func (e *Entity) AttributeMap() (map[string]interface{}, error) {
	attributes := map[string]interface{}{}

	if e.Attributes == "" {
		return attributes, nil
	}

	err := json.Unmarshal([]byte(e.Attributes), &attributes)
	if err != nil {
		return nil, err
	}

	return attributes, nil
}

//SetAttributeMap encodes the given attributes and stores them on the entity
func (e *Entity) SetAttributeMap(attributes map[string]interface{}) error {
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return err
	}

	e.Attributes = string(encoded)
	return nil
}

//ShortTypeName normalizes an entity type name to its short form, so that smart
//data model URLs and short names always match under the same key
func ShortTypeName(typeName string) string {
	idx := strings.LastIndex(typeName, "/")
	if idx < 0 {
		return typeName
	}

	return typeName[idx+1:]
}
