package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

// DatastoreClient talks to the flexible relational datastore (Airtable-
// style API): formula-filtered listing, batch get via an OR(...) formula
// whose URL length is guarded adaptively (§4.2), batch upsert of ≤10
// records per call, and field-id/name metadata.
type DatastoreClient struct {
	Transport *Transport
	Batch     *BatchGuard
}

// NewDatastoreClient constructs a DatastoreClient over the given transport.
func NewDatastoreClient(t *Transport) *DatastoreClient {
	return &DatastoreClient{Transport: t, Batch: NewBatchGuard()}
}

var _ Client = (*DatastoreClient)(nil)

const datastoreUpsertBatchSize = 10

type datastoreListEnvelope struct {
	Records []datastoreRecord `json:"records"`
	Offset  string            `json:"offset"`
}

type datastoreRecord struct {
	ID          string                         `json:"id"`
	Fields      map[string]model.JSONValue     `json:"fields"`
	CreatedTime string                         `json:"createdTime"`
}

func (c *DatastoreClient) ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (Page, error) {
	formula := fmt.Sprintf("IS_AFTER({Last Modified Time}, DATETIME_PARSE('%s'))", since.UTC().Format(time.RFC3339))
	return c.list(ctx, module, formula, cursor)
}

func (c *DatastoreClient) ListAll(ctx context.Context, module string, cursor string) (Page, error) {
	return c.list(ctx, module, "", cursor)
}

func (c *DatastoreClient) list(ctx context.Context, module, formula, cursor string) (Page, error) {
	query := map[string]string{
		"pageSize":        "100",
		"sort[0][field]":  "Last Modified Time",
		"sort[0][direction]": "desc",
	}
	if formula != "" {
		query["filterByFormula"] = formula
	}
	if cursor != "" {
		query["offset"] = cursor
	}

	status, body, err := c.Transport.Do(ctx, Request{
		Method: "GET",
		Path:   "/v0/" + url.PathEscape(module),
		Query:  query,
	})
	if err != nil {
		return Page{}, err
	}
	if status == 204 {
		return Page{}, nil
	}

	var env datastoreListEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, fmt.Errorf("decoding datastore list response: %w", err)
	}

	page := Page{Records: make([]model.Record, 0, len(env.Records)), NextCursor: env.Offset}
	for _, raw := range env.Records {
		page.Records = append(page.Records, recordFromDatastore(raw))
	}
	return page, nil
}

func (c *DatastoreClient) Get(ctx context.Context, module, id string) (model.Record, error) {
	status, body, err := c.Transport.Do(ctx, Request{
		Method: "GET",
		Path:   "/v0/" + url.PathEscape(module) + "/" + url.PathEscape(id),
	})
	if err != nil {
		return model.Record{}, err
	}
	if status == 404 {
		return model.Record{}, &HTTPError{Status: 404, Body: "not found"}
	}
	var raw datastoreRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.Record{}, fmt.Errorf("decoding datastore get response: %w", err)
	}
	return recordFromDatastore(raw), nil
}

// GetMany fetches ids via a filterByFormula OR(...) over RECORD_ID()
// comparisons, halving the batch whenever the resulting URL is rejected as
// too long and growing it back on sustained success, per §4.2.
func (c *DatastoreClient) GetMany(ctx context.Context, module string, ids []string) ([]model.Record, error) {
	var out []model.Record
	remaining := ids
	for len(remaining) > 0 {
		size := c.Batch.Size()
		if size > len(remaining) {
			size = len(remaining)
		}
		batch := remaining[:size]

		page, err := c.list(ctx, module, orFormula(batch), "")
		if httpErr, ok := err.(*HTTPError); ok && httpErr.URLTooLong() {
			c.Batch.Shrink()
			continue
		}
		if err != nil {
			return nil, err
		}
		c.Batch.Grow()
		out = append(out, page.Records...)
		remaining = remaining[len(batch):]
	}
	return out, nil
}

// FindByField implements CounterpartLookup via a single-field-equality
// filterByFormula, for resolving a record's counterpart when no direct id
// is known.
func (c *DatastoreClient) FindByField(ctx context.Context, module, field, value string) (model.Record, bool, error) {
	formula := fmt.Sprintf("{%s}='%s'", field, escapeFormulaValue(value))
	page, err := c.list(ctx, module, formula, "")
	if err != nil {
		return model.Record{}, false, err
	}
	if len(page.Records) == 0 {
		return model.Record{}, false, nil
	}
	return page.Records[0], true, nil
}

var _ CounterpartLookup = (*DatastoreClient)(nil)

// Upsert writes records in batches of ≤10 (the datastore API's hard limit),
// pausing between batches (caller is expected to insert
// ratelimit.PauseBetweenBatches; this method issues one HTTP call per
// batch and leaves pacing to the executor per §4.7).
func (c *DatastoreClient) Upsert(ctx context.Context, module string, records []model.Record, mergeOn string) ([]UpsertResult, error) {
	var results []UpsertResult
	for _, batch := range chunkRecords(records, datastoreUpsertBatchSize) {
		payload := map[string]any{
			"performUpsert": map[string]any{"fieldsToMergeOn": []string{mergeOn}},
			"records":       toDatastorePayload(batch),
		}
		body, _ := json.Marshal(payload)

		status, respBody, err := c.Transport.Do(ctx, Request{
			Method: "PATCH",
			Path:   "/v0/" + url.PathEscape(module),
			Body:   body,
		})
		if err != nil {
			for _, rec := range batch {
				results = append(results, UpsertResult{ID: rec.ID, Err: err})
			}
			continue
		}
		_ = status
		var env struct {
			Records       []datastoreRecord `json:"records"`
			CreatedRecords []string         `json:"createdRecords"`
		}
		_ = json.Unmarshal(respBody, &env)
		created := make(map[string]bool, len(env.CreatedRecords))
		for _, id := range env.CreatedRecords {
			created[id] = true
		}
		for _, rec := range env.Records {
			results = append(results, UpsertResult{ID: rec.ID, Created: created[rec.ID]})
		}
	}
	return results, nil
}

func (c *DatastoreClient) Update(ctx context.Context, module, id string, fields map[string]model.JSONValue) (model.Record, error) {
	payload := map[string]any{"fields": fields}
	body, _ := json.Marshal(payload)
	status, respBody, err := c.Transport.Do(ctx, Request{
		Method: "PATCH",
		Path:   "/v0/" + url.PathEscape(module) + "/" + url.PathEscape(id),
		Body:   body,
	})
	if err != nil {
		return model.Record{}, err
	}
	_ = status
	var raw datastoreRecord
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return model.Record{}, fmt.Errorf("decoding datastore update response: %w", err)
	}
	return recordFromDatastore(raw), nil
}

// Delete is never called by the core (§4.7: datastore orphans are status-
// updated, not deleted) but is implemented for completeness and for tests
// exercising the interface directly.
func (c *DatastoreClient) Delete(ctx context.Context, module, id string) error {
	_, _, err := c.Transport.Do(ctx, Request{
		Method: "DELETE",
		Path:   "/v0/" + url.PathEscape(module) + "/" + url.PathEscape(id),
	})
	return err
}

func (c *DatastoreClient) ListMetadata(ctx context.Context, module string) (ModuleMetadata, error) {
	status, body, err := c.Transport.Do(ctx, Request{
		Method: "GET",
		Path:   "/v0/meta/bases/" + url.PathEscape(module) + "/tables",
	})
	if err != nil {
		return ModuleMetadata{}, err
	}
	if status == 204 {
		return ModuleMetadata{}, nil
	}
	var env struct {
		Tables []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Fields []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"fields"`
		} `json:"tables"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ModuleMetadata{}, fmt.Errorf("decoding datastore metadata response: %w", err)
	}
	for _, table := range env.Tables {
		if table.Name != module && table.ID != module {
			continue
		}
		meta := ModuleMetadata{TableID: table.ID, TableName: table.Name}
		for _, f := range table.Fields {
			meta.Fields = append(meta.Fields, MetadataField{ID: f.ID, Name: f.Name, Type: f.Type})
		}
		return meta, nil
	}
	return ModuleMetadata{}, &HTTPError{Status: 404, Body: "table not found: " + module}
}

func recordFromDatastore(raw datastoreRecord) model.Record {
	fields := raw.Fields
	if fields == nil {
		fields = map[string]model.JSONValue{}
	}
	modifiedAt := model.DeriveModifiedAt(fields, "Last Modified Time", "Created Time")
	if modifiedAt.IsZero() && raw.CreatedTime != "" {
		if t, err := time.Parse(time.RFC3339, raw.CreatedTime); err == nil {
			modifiedAt = t
		}
	}
	return model.Record{ID: raw.ID, ModifiedAt: modifiedAt, Fields: fields, Raw: raw}
}

func orFormula(ids []string) string {
	formula := "OR("
	for i, id := range ids {
		if i > 0 {
			formula += ","
		}
		formula += fmt.Sprintf("RECORD_ID()='%s'", id)
	}
	return formula + ")"
}

func escapeFormulaValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}

func chunkRecords(records []model.Record, size int) [][]model.Record {
	var out [][]model.Record
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[i:end])
	}
	return out
}

func toDatastorePayload(records []model.Record) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{"fields": rec.Fields}
		if rec.ID != "" {
			entry["id"] = rec.ID
		}
		out = append(out, entry)
	}
	return out
}
