package rest

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhird/fhird/internal/search"
)

const softwareVersion = "0.1.0"

// typeInteractions lists the interactions every stored type supports, in the
// order the FHIR specification presents them.
var typeInteractions = []string{
	"read", "vread", "update", "delete",
	"history-instance", "history-type", "create", "search-type",
}

var systemInteractions = []string{
	"transaction", "batch", "search-system", "history-system",
}

// Capability handles GET /metadata. The statement is generated from the
// search parameter registry, so the advertised surface always matches what
// the server actually indexes.
func (h *Handler) Capability(c echo.Context) error {
	return c.JSON(http.StatusOK, h.capabilityStatement())
}

func (h *Handler) capabilityStatement() map[string]interface{} {
	types := search.SupportedTypes()
	resources := make([]map[string]interface{}, 0, len(types))
	for _, resourceType := range types {
		resources = append(resources, map[string]interface{}{
			"type":        resourceType,
			"versioning":  "versioned",
			"readHistory": true,
			"interaction": interactionCodes(typeInteractions),
			"searchParam": searchParamDefs(resourceType),
		})
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"application/fhir+json", "json"},
		"software": map[string]interface{}{
			"name":    "fhird",
			"version": softwareVersion,
		},
		"implementation": map[string]interface{}{
			"description": "fhird FHIR R4 resource server",
			"url":         h.base,
		},
		"rest": []map[string]interface{}{{
			"mode":        "server",
			"resource":    resources,
			"interaction": interactionCodes(systemInteractions),
		}},
	}
}

func interactionCodes(codes []string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(codes))
	for _, code := range codes {
		out = append(out, map[string]interface{}{"code": code})
	}
	return out
}

func searchParamDefs(resourceType string) []map[string]interface{} {
	params := search.Params(resourceType)
	out := make([]map[string]interface{}, 0, len(params))
	for _, def := range params {
		out = append(out, map[string]interface{}{
			"name": def.Name,
			"type": string(def.Type),
		})
	}
	return out
}
