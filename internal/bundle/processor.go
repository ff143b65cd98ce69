// Package bundle executes transaction and batch bundles against the
// resource store and assembles the response bundles.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/store"
)

const processingInfoURL = "https://fhird.dev/fhir/StructureDefinition/processing-info"

// Processor runs bundles through the store. Transactions execute in one
// storage transaction with all-or-nothing semantics; batch entries each run
// in their own.
type Processor struct {
	svc  *store.Service
	base string // absolute /R4 root for fullUrl and location construction
	log  zerolog.Logger
}

func NewProcessor(svc *store.Service, base string, log zerolog.Logger) *Processor {
	return &Processor{
		svc:  svc,
		base: strings.TrimSuffix(base, "/"),
		log:  log.With().Str("component", "bundle").Logger(),
	}
}

// Process parses and executes a bundle. Transaction failures return an
// error classified by the store sentinels; the edge renders it as a fatal
// OperationOutcome. Batch failures are reported per entry and never as an
// error. Read-only bundle types are echoed without mutation.
func (p *Processor) Process(ctx context.Context, raw []byte) (*fhir.Bundle, error) {
	tb, err := fhir.ParseTransactionBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalid, err)
	}

	switch tb.Type {
	case "transaction":
		return p.processTransaction(ctx, tb)
	case "batch":
		return p.processBatch(ctx, tb)
	case "collection", "searchset", "history", "document":
		return p.echoBundle(tb), nil
	default:
		return nil, fmt.Errorf("%w: unsupported bundle type %q", store.ErrInvalid, tb.Type)
	}
}

func (p *Processor) processTransaction(ctx context.Context, tb *fhir.TransactionBundle) (*fhir.Bundle, error) {
	started := time.Now()
	if err := fhir.ValidateTransactionBundle(tb); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalid, err)
	}

	idMap := p.assignIDs(tb)

	entries := make([]fhir.BundleEntry, 0, len(tb.Entries))
	err := p.svc.InTx(ctx, func(ctx context.Context) error {
		for i := range tb.Entries {
			entry := &tb.Entries[i]
			if entry.Resource != nil {
				fhir.RewriteLocalRefs(entry.Resource, idMap)
			}
			re, err := p.processEntry(ctx, entry)
			if err != nil {
				return fmt.Errorf("entry %d (%s %s): %w", i, entry.Request.Method, entry.Request.URL, err)
			}
			entries = append(entries, re)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info().Int("entries", len(entries)).Dur("elapsed", time.Since(started)).Msg("transaction committed")
	return p.responseBundle("transaction-response", entries, len(entries), 0, started), nil
}

func (p *Processor) processBatch(ctx context.Context, tb *fhir.TransactionBundle) (*fhir.Bundle, error) {
	started := time.Now()
	entries := make([]fhir.BundleEntry, 0, len(tb.Entries))
	failed := 0

	for i := range tb.Entries {
		entry := &tb.Entries[i]
		re, err := p.runBatchEntry(ctx, entry)
		if err != nil {
			failed++
			p.log.Debug().Err(err).Int("entry", i).Msg("batch entry failed")
			oc, _ := json.Marshal(outcomeFor(err))
			re = fhir.BundleEntry{Response: &fhir.BundleEntryResponse{
				Status:  statusFor(err),
				Outcome: oc,
			}}
		}
		entries = append(entries, re)
	}

	return p.responseBundle("batch-response", entries, len(entries)-failed, failed, started), nil
}

// runBatchEntry validates and executes one independent entry. The store
// operations open their own transaction, so a failure here cannot leave
// partial state behind.
func (p *Processor) runBatchEntry(ctx context.Context, entry *fhir.TransactionEntry) (fhir.BundleEntry, error) {
	if err := validateEntry(entry); err != nil {
		return fhir.BundleEntry{}, fmt.Errorf("%w: %s", store.ErrInvalid, err)
	}
	return p.processEntry(ctx, entry)
}

func (p *Processor) processEntry(ctx context.Context, entry *fhir.TransactionEntry) (fhir.BundleEntry, error) {
	eu, err := fhir.ParseEntryURL(entry.Request.URL)
	if err != nil {
		return fhir.BundleEntry{}, fmt.Errorf("%w: %s", store.ErrInvalid, err)
	}

	switch strings.ToUpper(entry.Request.Method) {
	case "POST":
		if eu.ID != "" {
			return fhir.BundleEntry{}, fmt.Errorf("%w: POST url must not carry an id", store.ErrInvalid)
		}
		st, err := p.svc.Create(ctx, eu.ResourceType, entry.Resource, entry.Request.IfNoneExist)
		if err != nil {
			var ae *store.AlreadyExists
			if errors.As(err, &ae) {
				return p.writtenEntry(ae.Existing, "200 OK"), nil
			}
			return fhir.BundleEntry{}, err
		}
		return p.writtenEntry(st, "201 Created"), nil

	case "PUT":
		if eu.ID == "" {
			return fhir.BundleEntry{}, fmt.Errorf("%w: PUT url must be Type/id", store.ErrInvalid)
		}
		st, err := p.svc.Update(ctx, eu.ResourceType, eu.ID, entry.Resource, entry.Request.IfMatch)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return p.writtenEntry(st, "200 OK"), nil

	case "DELETE":
		if eu.ID == "" {
			return fhir.BundleEntry{}, fmt.Errorf("%w: DELETE url must be Type/id", store.ErrInvalid)
		}
		if _, err := p.svc.Delete(ctx, eu.ResourceType, eu.ID); err != nil && !errors.Is(err, store.ErrGone) {
			return fhir.BundleEntry{}, err
		}
		return fhir.BundleEntry{Response: &fhir.BundleEntryResponse{Status: "204 No Content"}}, nil

	case "GET":
		return p.readEntry(ctx, eu)

	default:
		return fhir.BundleEntry{}, fmt.Errorf("%w: method %s is not supported in bundles", store.ErrInvalid, entry.Request.Method)
	}
}

func (p *Processor) readEntry(ctx context.Context, eu fhir.EntryURL) (fhir.BundleEntry, error) {
	if eu.ID != "" {
		st, err := p.svc.Read(ctx, eu.ResourceType, eu.ID)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return fhir.BundleEntry{
			Resource: st.Resource,
			Response: &fhir.BundleEntryResponse{
				Status:       "200 OK",
				Etag:         st.ETag(),
				LastModified: st.LastUpdated.UTC().Format(time.RFC3339),
			},
		}, nil
	}

	values, err := url.ParseQuery(eu.Query)
	if err != nil {
		return fhir.BundleEntry{}, fmt.Errorf("%w: bad search criteria %q", store.ErrInvalid, eu.Query)
	}
	result, err := p.svc.Search(ctx, eu.ResourceType, values)
	if err != nil {
		return fhir.BundleEntry{}, err
	}
	sb := AssembleSearchset(result, p.base, eu.ResourceType, eu.Query)
	raw, err := json.Marshal(sb)
	if err != nil {
		return fhir.BundleEntry{}, fmt.Errorf("encode searchset: %w", err)
	}
	return fhir.BundleEntry{
		Resource: raw,
		Response: &fhir.BundleEntryResponse{Status: "200 OK"},
	}, nil
}

// assignIDs gives every POST entry its id up front and maps urn:uuid
// fullUrls to the assigned Type/id form, so intra-bundle references resolve
// before any entry persists.
func (p *Processor) assignIDs(tb *fhir.TransactionBundle) map[string]string {
	idMap := make(map[string]string)
	for i := range tb.Entries {
		entry := &tb.Entries[i]
		if strings.ToUpper(entry.Request.Method) != "POST" || entry.Resource == nil {
			continue
		}
		rt := fhir.ResourceType(entry.Resource)
		if rt == "" {
			continue
		}
		id := fhir.ResourceID(entry.Resource)
		if id == "" || !fhir.IsValidID(id) {
			id = uuid.New().String()
			entry.Resource["id"] = id
		}
		if strings.HasPrefix(strings.ToLower(entry.FullURL), "urn:uuid:") {
			idMap[entry.FullURL] = rt + "/" + id
		}
	}
	return idMap
}

func (p *Processor) writtenEntry(st *store.Stored, status string) fhir.BundleEntry {
	location := fmt.Sprintf("%s/%s/_history/%d", st.ResourceType, st.FHIRID, st.VersionID)
	if p.base != "" {
		location = p.base + "/" + location
	}
	return fhir.BundleEntry{
		Resource: st.Resource,
		Response: &fhir.BundleEntryResponse{
			Status:       status,
			Location:     location,
			Etag:         st.ETag(),
			LastModified: st.LastUpdated.UTC().Format(time.RFC3339),
		},
	}
}

func (p *Processor) responseBundle(btype string, entries []fhir.BundleEntry, processed, failed int, started time.Time) *fhir.Bundle {
	elapsed := int(time.Since(started).Milliseconds())
	return &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         btype,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Entry:        entries,
		Extension: []fhir.Extension{{
			URL: processingInfoURL,
			Extension: []fhir.Extension{
				{URL: "processed", ValueInteger: &processed},
				{URL: "errors", ValueInteger: &failed},
				{URL: "elapsedMs", ValueInteger: &elapsed},
			},
		}},
	}
}

// echoBundle passes read-only bundle types through untouched.
func (p *Processor) echoBundle(tb *fhir.TransactionBundle) *fhir.Bundle {
	entries := make([]fhir.BundleEntry, 0, len(tb.Entries))
	for _, e := range tb.Entries {
		entry := fhir.BundleEntry{FullURL: e.FullURL}
		if e.Resource != nil {
			if raw, err := json.Marshal(e.Resource); err == nil {
				entry.Resource = raw
			}
		}
		entries = append(entries, entry)
	}
	return &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         tb.Type,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Entry:        entries,
	}
}
