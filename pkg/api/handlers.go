package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mmlab/vialstore/pkg/feed"
	"github.com/mmlab/vialstore/pkg/ingest"
	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/normalize"
	"github.com/mmlab/vialstore/pkg/rack"
	"github.com/mmlab/vialstore/pkg/retrieval"
)

// maxUploadBytes bounds request bodies of upload and import endpoints.
const maxUploadBytes = 32 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps err to a status code and writes it as JSON.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrInvalidCount),
		errors.Is(err, retrieval.ErrInvalidRack),
		errors.Is(err, retrieval.ErrMissingSubstance),
		errors.Is(err, inventory.ErrInvalidStatus),
		errors.Is(err, inventory.ErrInvalidAssignment),
		errors.Is(err, rack.ErrInvalidLayout),
		errors.Is(err, normalize.ErrMissingColumn),
		errors.Is(err, feed.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, inventory.ErrUnknownBarcode),
		errors.Is(err, feed.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rack.ErrCapacityExceeded),
		errors.Is(err, inventory.ErrInvalidTransition),
		errors.Is(err, inventory.ErrInconsistentState):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrNoFeed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{fmt.Sprintf(format, args...)})
}

// wantsCSV reports whether the caller asked for the CSV rendering.
func wantsCSV(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "csv")
}

// writeCSV streams a rendered list as an attachment.
func (s *server) writeCSV(
	w http.ResponseWriter, name string, render func(io.Writer) error,
) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	if err := render(w); err != nil {
		s.log.WithError(err).WithField("file", name).Warn("Failed to stream CSV")
	}
}

// --- Queries ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Counts  map[inventory.Status]int64 `json:"counts"`
	Total   int64                      `json:"total"`
	Pending int64                      `json:"pending"`
	Racks   int                        `json:"racks"`
}

// handleStatus returns per-status counts and the assignment backlog.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.deps.Store.StatusCounts(ctx)
	if err != nil {
		s.writeError(w, err)

		return
	}

	pending, err := s.deps.Racks.Pending(ctx)
	if err != nil {
		s.writeError(w, err)

		return
	}

	maxRack, err := s.deps.Store.MaxRackID(ctx)
	if err != nil {
		s.writeError(w, err)

		return
	}

	resp := statusResponse{Counts: counts, Pending: pending, Racks: maxRack}
	for _, c := range counts {
		resp.Total += c
	}

	writeJSON(w, http.StatusOK, resp)
}

var viewOrders = map[string]inventory.ViewOrder{
	"":          inventory.OrderBarcode,
	"barcode":   inventory.OrderBarcode,
	"timestamp": inventory.OrderTimestamp,
	"slot":      inventory.OrderSlot,
}

// handleInventory returns the joined view, optionally filtered by rack,
// substance and status.
func (s *server) handleInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter inventory.ViewFilter

	if v := q.Get("rack"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id <= 0 {
			badRequest(w, "invalid rack %q", v)

			return
		}

		filter.RackID = id
	}

	if v := q.Get("status"); v != "" {
		st, err := inventory.ParseStatus(v)
		if err != nil {
			s.writeError(w, err)

			return
		}

		filter.Status = st
	}

	order, ok := viewOrders[q.Get("order")]
	if !ok {
		badRequest(w, "invalid order %q", q.Get("order"))

		return
	}

	filter.Order = order
	filter.Substance = strings.TrimSpace(q.Get("substance"))

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit %q", v)

			return
		}

		filter.Limit = n
	}

	rows, err := s.deps.Store.JoinedView(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

// handleSubstances lists distinct substance names.
func (s *server) handleSubstances(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Store.Substances(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	if names == nil {
		names = []string{}
	}

	writeJSON(w, http.StatusOK, names)
}

// handleGetVial returns one vial with its status and slot.
func (s *server) handleGetVial(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Store.GetRow(r.Context(), chi.URLParam(r, "barcode"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, row)
}

// handleListRacks summarizes every rack.
func (s *server) handleListRacks(w http.ResponseWriter, r *http.Request) {
	racks, err := s.deps.Store.Racks(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	if racks == nil {
		racks = []inventory.RackSummary{}
	}

	writeJSON(w, http.StatusOK, racks)
}

func rackIDParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", retrieval.ErrInvalidRack, raw)
	}

	return id, nil
}

type rackResponse struct {
	RackID int             `json:"rack_id"`
	Vials  []inventory.Row `json:"vials"`
}

// handleGetRack returns the vials of a rack in slot order. With
// format=csv it streams the barcode list instead.
func (s *server) handleGetRack(w http.ResponseWriter, r *http.Request) {
	id, err := rackIDParam(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	rows, err := s.deps.Retrieval.ByRack(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if wantsCSV(r) {
		s.writeCSV(w, fmt.Sprintf("rack_%d.csv", id), func(out io.Writer) error {
			return retrieval.WriteBarcodeList(out, rows, false)
		})

		return
	}

	if rows == nil {
		rows = []inventory.Row{}
	}

	writeJSON(w, http.StatusOK, rackResponse{RackID: id, Vials: rows})
}

// handlePutList streams the put list of a rack.
func (s *server) handlePutList(w http.ResponseWriter, r *http.Request) {
	id, err := rackIDParam(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	rows, err := s.deps.Retrieval.ByRack(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeCSV(w, fmt.Sprintf("putlist_rack_%d.csv", id), func(out io.Writer) error {
		return rack.WritePutList(out, rows)
	})
}

func fifoParams(r *http.Request) (string, int, error) {
	q := r.URL.Query()

	count, err := strconv.Atoi(q.Get("count"))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", retrieval.ErrInvalidCount, q.Get("count"))
	}

	return q.Get("substance"), count, nil
}

type fifoResponse struct {
	Substance string          `json:"substance"`
	Requested int             `json:"requested"`
	Vials     []inventory.Row `json:"vials"`
}

// handleFIFO returns the oldest In Fridge vials of a substance.
func (s *server) handleFIFO(w http.ResponseWriter, r *http.Request) {
	substance, count, err := fifoParams(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	rows, err := s.deps.Retrieval.FIFOBySubstance(r.Context(), substance, count)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if wantsCSV(r) {
		name := s.deps.Exporter.FileName(".csv", "fifo", substance)

		s.writeCSV(w, name, func(out io.Writer) error {
			return retrieval.WriteBarcodeList(out, rows, true)
		})

		return
	}

	if rows == nil {
		rows = []inventory.Row{}
	}

	writeJSON(w, http.StatusOK, fifoResponse{
		Substance: strings.TrimSpace(substance),
		Requested: count,
		Vials:     rows,
	})
}

type fifoCompleteResponse struct {
	fifoResponse
	Result *inventory.TransitionResult `json:"result"`
}

// handleCompleteFIFO takes the oldest In Fridge vials of a substance out
// of the fridge and marks them Completed.
func (s *server) handleCompleteFIFO(w http.ResponseWriter, r *http.Request) {
	substance, count, err := fifoParams(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	rows, result, err := s.deps.Retrieval.CompleteFIFO(r.Context(), substance, count)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if rows == nil {
		rows = []inventory.Row{}
	}

	writeJSON(w, http.StatusOK, fifoCompleteResponse{
		fifoResponse: fifoResponse{
			Substance: strings.TrimSpace(substance),
			Requested: count,
			Vials:     rows,
		},
		Result: result,
	})
}

type fileResponse struct {
	feed.FileInfo
	Ingested *inventory.IngestedFile `json:"ingested,omitempty"`
}

// handleListFiles lists the feed files with their ledger entries.
func (s *server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	f := s.deps.Pipeline.Feed()
	if f == nil {
		s.writeError(w, ingest.ErrNoFeed)

		return
	}

	ctx := r.Context()

	files, err := f.ListFiles(ctx)
	if err != nil {
		s.writeError(w, err)

		return
	}

	resp := make([]fileResponse, 0, len(files))

	for _, info := range files {
		entry, err := s.deps.Store.GetIngestedFile(ctx, info.ID)
		if err != nil {
			s.writeError(w, err)

			return
		}

		resp = append(resp, fileResponse{FileInfo: info, Ingested: entry})
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Commands ---

// handleIngestAll scans the feed once.
func (s *server) handleIngestAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Pipeline.IngestAll(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleIngestUpload ingests an export file sent as the request body. The
// name parameter selects the decoder and becomes the vial source.
func (s *server) handleIngestUpload(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		badRequest(w, "name is required")

		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		badRequest(w, "reading body: %v", err)

		return
	}

	table, err := feed.Decode(name, data)
	if err != nil {
		s.writeError(w, err)

		return
	}

	report, err := s.deps.Pipeline.Ingest(r.Context(), table, name)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleAssign packs pending Ready vials into a new rack.
func (s *server) handleAssign(w http.ResponseWriter, r *http.Request) {
	policy, err := rack.ParsePolicy(r.URL.Query().Get("mode"))
	if err != nil {
		badRequest(w, "%v", err)

		return
	}

	result, err := s.deps.Racks.Assign(r.Context(), policy)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleImportLayout loads a put list CSV body as a new rack.
func (s *server) handleImportLayout(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "upload.csv"
	}

	entries, err := rack.ParseLayout(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		s.writeError(w, err)

		return
	}

	result, err := s.deps.Racks.ImportLayout(r.Context(), name, entries)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

type exportResponse struct {
	File      string            `json:"file"`
	Vials     int               `json:"vials"`
	Locations []string          `json:"locations"`
	Links     map[string]string `json:"links,omitempty"`
}

func (s *server) export(
	ctx context.Context, w http.ResponseWriter, name string, vials int,
	render func(io.Writer) error,
) {
	_, locations, err := s.deps.Exporter.Export(ctx, name, render)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, exportResponse{
		File:      name,
		Vials:     vials,
		Locations: locations,
		Links:     s.deps.Exporter.Links(ctx, locations),
	})
}

// handleExportRack writes the barcode list of a rack to the export sinks.
// With putlist=true the put list is written instead.
func (s *server) handleExportRack(w http.ResponseWriter, r *http.Request) {
	id, err := rackIDParam(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	rows, err := s.deps.Retrieval.ByRack(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if r.URL.Query().Get("putlist") == "true" {
		name := s.deps.Exporter.FileName(".csv", "putlist", "rack", strconv.Itoa(id))
		s.export(r.Context(), w, name, len(rows), func(out io.Writer) error {
			return rack.WritePutList(out, rows)
		})

		return
	}

	name := s.deps.Exporter.FileName(".csv", "rack", strconv.Itoa(id))
	s.export(r.Context(), w, name, len(rows), func(out io.Writer) error {
		return retrieval.WriteBarcodeList(out, rows, false)
	})
}

// handleExportFIFO writes a FIFO barcode list to the export sinks.
func (s *server) handleExportFIFO(w http.ResponseWriter, r *http.Request) {
	substance, count, err := fifoParams(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	rows, err := s.deps.Retrieval.FIFOBySubstance(r.Context(), substance, count)
	if err != nil {
		s.writeError(w, err)

		return
	}

	name := s.deps.Exporter.FileName(".csv", "fifo", substance)
	s.export(r.Context(), w, name, len(rows), func(out io.Writer) error {
		return retrieval.WriteBarcodeList(out, rows, true)
	})
}

type completeRequest struct {
	Barcodes []string `json:"barcodes"`
}

// handleComplete marks retrieved vials as Completed.
func (s *server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).
		Decode(&req); err != nil {
		badRequest(w, "invalid request body: %v", err)

		return
	}

	if len(req.Barcodes) == 0 {
		badRequest(w, "barcodes is required")

		return
	}

	result, err := s.deps.Retrieval.MarkCompleted(r.Context(), req.Barcodes)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleReconcile reports inconsistent records, repairing them with
// fix=true.
func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	fix := r.URL.Query().Get("fix") == "true"

	report, err := s.deps.Racks.Reconcile(r.Context(), fix)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}
