package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/bundle"
	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/store"
)

// Handler serves the FHIR REST API: instance and type level CRUD, search,
// history at all three scopes, bundle processing at the base URL, and the
// capability statement.
type Handler struct {
	svc  *store.Service
	proc *bundle.Processor
	base string
	log  zerolog.Logger
}

// NewHandler builds the REST handler. base is the absolute URL the API is
// mounted at, e.g. http://localhost:8080/R4; generated links and Location
// headers are anchored to it.
func NewHandler(svc *store.Service, proc *bundle.Processor, base string, log zerolog.Logger) *Handler {
	return &Handler{
		svc:  svc,
		proc: proc,
		base: strings.TrimSuffix(base, "/"),
		log:  log.With().Str("component", "rest").Logger(),
	}
}

// RegisterRoutes mounts the FHIR endpoints on g. Echo resolves static
// segments ahead of parameters, so _history and _search win over :id.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Capability)
	g.POST("", h.ProcessBundle)
	g.GET("/_history", h.SystemHistory)

	g.GET("/:type", h.Search)
	g.POST("/:type", h.Create)
	g.POST("/:type/_search", h.SearchForm)
	g.GET("/:type/_history", h.TypeHistory)

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.InstanceHistory)
	g.GET("/:type/:id/_history/:vid", h.ReadVersion)
}

// Create handles POST /:type. An If-None-Exist header turns it into a
// conditional create: one existing match is returned with 200 instead of
// creating a duplicate.
func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	res, err := readResource(c)
	if err != nil {
		return badBody(c, err)
	}

	st, err := h.svc.Create(c.Request().Context(), resourceType, res, c.Request().Header.Get("If-None-Exist"))
	if err != nil {
		var exists *store.AlreadyExists
		if errors.As(err, &exists) {
			h.setVersionHeaders(c, exists.Existing)
			return c.JSONBlob(http.StatusOK, exists.Existing.Resource)
		}
		return h.writeError(c, err)
	}

	h.setVersionHeaders(c, st)
	c.Response().Header().Set("Location", h.instanceLocation(st))
	return c.JSONBlob(http.StatusCreated, st.Resource)
}

// Read handles GET /:type/:id.
func (h *Handler) Read(c echo.Context) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownResourceType(resourceType) {
		return h.unknownType(c, resourceType)
	}

	st, err := h.svc.Read(c.Request().Context(), resourceType, c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	h.setVersionHeaders(c, st)
	return c.JSONBlob(http.StatusOK, st.Resource)
}

// ReadVersion handles GET /:type/:id/_history/:vid. Versions that record a
// deletion have no body and read as deleted.
func (h *Handler) ReadVersion(c echo.Context) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownResourceType(resourceType) {
		return h.unknownType(c, resourceType)
	}
	versionID, err := strconv.Atoi(c.Param("vid"))
	if err != nil || versionID < 1 {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(fmt.Sprintf("invalid version id %q", c.Param("vid"))))
	}

	st, err := h.svc.ReadVersion(c.Request().Context(), resourceType, c.Param("id"), versionID)
	if err != nil {
		return h.writeError(c, err)
	}
	h.setVersionHeaders(c, st)
	return c.JSONBlob(http.StatusOK, st.Resource)
}

// Update handles PUT /:type/:id. An If-Match header makes the update
// conditional on the current version.
func (h *Handler) Update(c echo.Context) error {
	resourceType := c.Param("type")
	res, err := readResource(c)
	if err != nil {
		return badBody(c, err)
	}

	st, err := h.svc.Update(c.Request().Context(), resourceType, c.Param("id"), res, c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.writeError(c, err)
	}
	h.setVersionHeaders(c, st)
	return c.JSONBlob(http.StatusOK, st.Resource)
}

// Delete handles DELETE /:type/:id. Deleting an already deleted resource
// stays a 204; the identity remains claimed and its history intact.
func (h *Handler) Delete(c echo.Context) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownResourceType(resourceType) {
		return h.unknownType(c, resourceType)
	}

	st, err := h.svc.Delete(c.Request().Context(), resourceType, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrGone) {
			return c.NoContent(http.StatusNoContent)
		}
		return h.writeError(c, err)
	}
	c.Response().Header().Set("ETag", st.ETag())
	return c.NoContent(http.StatusNoContent)
}

// Search handles GET /:type with search parameters in the query string.
func (h *Handler) Search(c echo.Context) error {
	return h.search(c, c.QueryParams(), c.QueryString())
}

// SearchForm handles POST /:type/_search. Parameters arrive form-encoded in
// the body, merged with any query string parameters.
func (h *Handler) SearchForm(c echo.Context) error {
	params, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("unreadable form body"))
	}
	return h.search(c, params, url.Values(params).Encode())
}

func (h *Handler) search(c echo.Context, params url.Values, rawQuery string) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownResourceType(resourceType) {
		return h.unknownType(c, resourceType)
	}

	result, err := h.svc.Search(c.Request().Context(), resourceType, params)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, bundle.AssembleSearchset(result, h.base, resourceType, rawQuery))
}

// SystemHistory handles GET /_history across all resources.
func (h *Handler) SystemHistory(c echo.Context) error {
	return h.history(c, store.HistoryQuery{})
}

// TypeHistory handles GET /:type/_history.
func (h *Handler) TypeHistory(c echo.Context) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownResourceType(resourceType) {
		return h.unknownType(c, resourceType)
	}
	return h.history(c, store.HistoryQuery{ResourceType: resourceType})
}

// InstanceHistory handles GET /:type/:id/_history. Deleted resources keep
// their history readable.
func (h *Handler) InstanceHistory(c echo.Context) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownResourceType(resourceType) {
		return h.unknownType(c, resourceType)
	}
	return h.history(c, store.HistoryQuery{ResourceType: resourceType, FHIRID: c.Param("id")})
}

func (h *Handler) history(c echo.Context, q store.HistoryQuery) error {
	if err := parseHistoryParams(c, &q); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	events, total, err := h.svc.History(c.Request().Context(), q)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(h.base, events, total))
}

// ProcessBundle handles POST to the base URL: transaction and batch bundles
// are executed, read-only bundle types echo back unchanged.
func (h *Handler) ProcessBundle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badBody(c, err)
	}

	result, err := h.proc.Process(c.Request().Context(), body)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) setVersionHeaders(c echo.Context, st *store.Stored) {
	c.Response().Header().Set("ETag", st.ETag())
	c.Response().Header().Set("Last-Modified", st.LastUpdated.UTC().Format(http.TimeFormat))
}

func (h *Handler) instanceLocation(st *store.Stored) string {
	return fmt.Sprintf("%s/%s/%s/_history/%d", h.base, st.ResourceType, st.FHIRID, st.VersionID)
}

func (h *Handler) unknownType(c echo.Context, resourceType string) error {
	return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(fmt.Sprintf("unsupported resource type %q", resourceType)))
}

func readResource(c echo.Context) (map[string]interface{}, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}
	var res map[string]interface{}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %v", err)
	}
	return res, nil
}

// badBody classifies a failed body read. A body capped by the size limit
// surfaces as *http.MaxBytesError and maps to 413; everything else is a
// malformed payload.
func badBody(c echo.Context, err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return c.JSON(http.StatusRequestEntityTooLarge, fhir.NewOutcome(
			fhir.SeverityError, fhir.IssueTooCostly,
			fmt.Sprintf("request body exceeds the %d byte limit", tooBig.Limit)))
	}
	return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
}

func parseHistoryParams(c echo.Context, q *store.HistoryQuery) error {
	if v := c.QueryParam("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid _count %q", v)
		}
		q.Count = n
	}
	if v := c.QueryParam("_offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid _offset %q", v)
		}
		q.Offset = n
	}
	if v := c.QueryParam("_since"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			return fmt.Errorf("invalid _since %q", v)
		}
		q.Since = t
	}
	if v := c.QueryParam("_at"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			return fmt.Errorf("invalid _at %q", v)
		}
		q.At = t
	}
	return nil
}

// parseInstant accepts RFC 3339 instants and bare dates.
func parseInstant(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unparseable instant")
}
