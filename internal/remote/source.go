package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

// SourceClient talks to the CRM of record (Zoho CRM/Books/Projects-style
// API): cursor-paginated listing, single-record get, batch get by id (no
// URL-length concern since ids ride in the query string as a comma list
// capped well under the guard's ceiling), per-record upsert, and hard
// delete for aged-out orphans (§4.7).
type SourceClient struct {
	Transport *Transport
	Batch     *BatchGuard
}

// NewSourceClient constructs a SourceClient over the given transport.
func NewSourceClient(t *Transport) *SourceClient {
	return &SourceClient{Transport: t, Batch: NewBatchGuard()}
}

var _ Client = (*SourceClient)(nil)

type sourceListEnvelope struct {
	Data []map[string]model.JSONValue `json:"data"`
	Info struct {
		MoreRecords bool   `json:"more_records"`
		NextCursor  string `json:"next_page_token"`
	} `json:"info"`
}

func (c *SourceClient) ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (Page, error) {
	query := map[string]string{
		"page_token":   cursor,
		"sort_by":      "Modified_Time",
		"sort_order":   "desc",
		"modified_gte": since.UTC().Format(time.RFC3339),
	}
	return c.list(ctx, module, query)
}

func (c *SourceClient) ListAll(ctx context.Context, module string, cursor string) (Page, error) {
	query := map[string]string{
		"page_token": cursor,
		"sort_by":    "Modified_Time",
		"sort_order": "desc",
	}
	return c.list(ctx, module, query)
}

func (c *SourceClient) list(ctx context.Context, module string, query map[string]string) (Page, error) {
	status, body, err := c.Transport.Do(ctx, Request{
		Method: "GET",
		Path:   "/crm/v5/" + url.PathEscape(module),
		Query:  query,
	})
	if err != nil {
		return Page{}, err
	}
	if status == 204 {
		return Page{}, nil
	}

	var env sourceListEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, fmt.Errorf("decoding source list response: %w", err)
	}

	page := Page{Records: make([]model.Record, 0, len(env.Data))}
	for _, raw := range env.Data {
		page.Records = append(page.Records, recordFromFields(raw))
	}
	if env.Info.MoreRecords {
		page.NextCursor = env.Info.NextCursor
	}
	return page, nil
}

func (c *SourceClient) Get(ctx context.Context, module, id string) (model.Record, error) {
	status, body, err := c.Transport.Do(ctx, Request{
		Method: "GET",
		Path:   "/crm/v5/" + url.PathEscape(module) + "/" + url.PathEscape(id),
	})
	if err != nil {
		return model.Record{}, err
	}
	if status == 404 {
		return model.Record{}, &HTTPError{Status: 404, Body: "not found"}
	}
	var env struct {
		Data []map[string]model.JSONValue `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return model.Record{}, fmt.Errorf("decoding source get response: %w", err)
	}
	if len(env.Data) == 0 {
		return model.Record{}, &HTTPError{Status: 404, Body: "not found"}
	}
	return recordFromFields(env.Data[0]), nil
}

// GetMany fetches ids via the source API's id-list filter, batching
// adaptively so a too-long query string shrinks the batch rather than
// failing outright.
func (c *SourceClient) GetMany(ctx context.Context, module string, ids []string) ([]model.Record, error) {
	var out []model.Record
	remaining := ids
	for len(remaining) > 0 {
		size := c.Batch.Size()
		if size > len(remaining) {
			size = len(remaining)
		}
		batch := remaining[:size]

		status, body, err := c.Transport.Do(ctx, Request{
			Method: "GET",
			Path:   "/crm/v5/" + url.PathEscape(module),
			Query:  map[string]string{"ids": joinIDs(batch)},
		})
		if httpErr, ok := err.(*HTTPError); ok && httpErr.URLTooLong() {
			c.Batch.Shrink()
			continue // retry this slice at the smaller size
		}
		if err != nil {
			return nil, err
		}
		c.Batch.Grow()

		if status != 204 {
			var env struct {
				Data []map[string]model.JSONValue `json:"data"`
			}
			if err := json.Unmarshal(body, &env); err != nil {
				return nil, fmt.Errorf("decoding source getMany response: %w", err)
			}
			for _, raw := range env.Data {
				out = append(out, recordFromFields(raw))
			}
		}
		remaining = remaining[len(batch):]
	}
	return out, nil
}

// FindByField implements CounterpartLookup via the CRM's search endpoint,
// for resolving a record's counterpart when no direct id is known.
func (c *SourceClient) FindByField(ctx context.Context, module, field, value string) (model.Record, bool, error) {
	status, body, err := c.Transport.Do(ctx, Request{
		Method: "GET",
		Path:   "/crm/v5/" + url.PathEscape(module) + "/search",
		Query:  map[string]string{"criteria": fmt.Sprintf("(%s:equals:%s)", field, value)},
	})
	if err != nil {
		return model.Record{}, false, err
	}
	if status == 204 {
		return model.Record{}, false, nil
	}
	var env struct {
		Data []map[string]model.JSONValue `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return model.Record{}, false, fmt.Errorf("decoding source search response: %w", err)
	}
	if len(env.Data) == 0 {
		return model.Record{}, false, nil
	}
	return recordFromFields(env.Data[0]), true, nil
}

var _ CounterpartLookup = (*SourceClient)(nil)

// Upsert writes one record at a time per §4.2 ("per-record for the
// source"), using the merge-on field to let the CRM dedupe.
func (c *SourceClient) Upsert(ctx context.Context, module string, records []model.Record, mergeOn string) ([]UpsertResult, error) {
	results := make([]UpsertResult, 0, len(records))
	for _, rec := range records {
		payload := map[string]any{"data": []map[string]model.JSONValue{rec.Fields}, "duplicate_check_fields": []string{mergeOn}}
		body, _ := json.Marshal(payload)

		status, respBody, err := c.Transport.Do(ctx, Request{
			Method: "POST",
			Path:   "/crm/v5/" + url.PathEscape(module)+"/upsert",
			Body:   body,
		})
		if err != nil {
			results = append(results, UpsertResult{ID: rec.ID, Err: err})
			continue
		}
		var env struct {
			Data []struct {
				Details struct {
					ID string `json:"id"`
				} `json:"details"`
				Action string `json:"action"`
			} `json:"data"`
		}
		_ = json.Unmarshal(respBody, &env)
		id := rec.ID
		created := false
		if len(env.Data) > 0 {
			if env.Data[0].Details.ID != "" {
				id = env.Data[0].Details.ID
			}
			created = env.Data[0].Action == "insert"
		}
		_ = status
		results = append(results, UpsertResult{ID: id, Created: created})
	}
	return results, nil
}

func (c *SourceClient) Update(ctx context.Context, module, id string, fields map[string]model.JSONValue) (model.Record, error) {
	payload := map[string]any{"data": []map[string]model.JSONValue{fields}}
	body, _ := json.Marshal(payload)
	_, _, err := c.Transport.Do(ctx, Request{
		Method: "PUT",
		Path:   "/crm/v5/" + url.PathEscape(module) + "/" + url.PathEscape(id),
		Body:   body,
	})
	if err != nil {
		return model.Record{}, err
	}
	return c.Get(ctx, module, id)
}

// Delete hard-deletes a source record. Per §4.7, the core only invokes this
// for source-side orphans older than the configured age threshold.
func (c *SourceClient) Delete(ctx context.Context, module, id string) error {
	_, _, err := c.Transport.Do(ctx, Request{
		Method: "DELETE",
		Path:   "/crm/v5/" + url.PathEscape(module) + "/" + url.PathEscape(id),
	})
	return err
}

func (c *SourceClient) ListMetadata(ctx context.Context, module string) (ModuleMetadata, error) {
	status, body, err := c.Transport.Do(ctx, Request{
		Method: "GET",
		Path:   "/crm/v5/settings/fields",
		Query:  map[string]string{"module": module},
	})
	if err != nil {
		return ModuleMetadata{}, err
	}
	if status == 204 {
		return ModuleMetadata{}, nil
	}
	var env struct {
		Fields []struct {
			APIName         string `json:"api_name"`
			FieldLabel      string `json:"field_label"`
			DataType        string `json:"data_type"`
			SystemMandatory bool   `json:"system_mandatory"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ModuleMetadata{}, fmt.Errorf("decoding source metadata response: %w", err)
	}
	meta := ModuleMetadata{TableName: module}
	for _, f := range env.Fields {
		meta.Fields = append(meta.Fields, MetadataField{ID: f.APIName, Name: f.FieldLabel, Type: f.DataType, Required: f.SystemMandatory})
	}
	return meta, nil
}

func recordFromFields(fields map[string]model.JSONValue) model.Record {
	id, _ := fields["id"].(string)
	if id == "" {
		if idNum, ok := fields["id"].(float64); ok {
			id = strconv.FormatInt(int64(idNum), 10)
		}
	}
	modifiedAt := model.DeriveModifiedAt(fields, "Modified_Time", "Last_Activity_Time", "Created_Time")
	return model.Record{ID: id, ModifiedAt: modifiedAt, Fields: fields, Raw: fields}
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
