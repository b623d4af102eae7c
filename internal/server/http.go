package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
)

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/realtime", s.handleRealtime).Methods(http.MethodGet)
	router.HandleFunc("/assets/{fingerprint}/content", s.handleAssetContent).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"realtimeClients": s.hub.count()})
	}).Methods(http.MethodGet)

	syncRouter := router.PathPrefix("/sync").Subrouter()
	syncRouter.Use(s.authMiddleware)
	syncRouter.HandleFunc("/records", s.handlePostRecords).Methods(http.MethodPost)
	syncRouter.HandleFunc("/subscription", s.handleSubscription).Methods(http.MethodGet)
	syncRouter.HandleFunc("/presentations/import", s.handleImport).Methods(http.MethodPost)
	syncRouter.PathPrefix("/").HandlerFunc(s.handleGetRecords).Methods(http.MethodGet)

	assetRouter := router.PathPrefix("/assets/{fingerprint}").Subrouter()
	assetRouter.Use(s.authMiddleware)
	assetRouter.HandleFunc("/initiate", s.handleInitiateUpload).Methods(http.MethodPost)
	assetRouter.HandleFunc("/parts/{part:[0-9]+}", s.handleUploadPart).Methods(http.MethodPut)
	assetRouter.HandleFunc("/complete", s.handleCompleteUpload).Methods(http.MethodPut)
	assetRouter.HandleFunc("/download", s.handleDownloadURL).Methods(http.MethodGet)
	return router
}

type recordsResponse struct {
	Records       []*record.Record `json:"records"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

// handleGetRecords serves GET /sync/{locator...}, paginated by offset tokens.
func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	locator := strings.TrimPrefix(r.URL.Path, "/sync/")
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	records, err := s.records.query(accountFrom(r.Context()), locator, includeDeleted)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.Wrap(err, locator))
		return
	}

	offset := 0
	if token := r.URL.Query().Get("nextPageToken"); token != "" {
		offset, err = strconv.Atoi(token)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid page token"))
			return
		}
	}
	offset = min(offset, len(records))
	end := min(offset+s.config.PageSize, len(records))

	resp := recordsResponse{Records: records[offset:end]}
	if end < len(records) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

type postRequest struct {
	Now     string           `json:"now"`
	Records []*record.Record `json:"records"`
}

func (s *Server) handlePostRecords(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account := accountFrom(r.Context())
	results, changed := s.records.post(account, req.Records, s.now(), s.blobs.uploaded)
	s.hub.publish(account, changed, s.logger)
	s.logger.WithContext(r.Context()).Debug("Stored records",
		log.String("account", account), log.Int("received", len(req.Records)), log.Int("stored", len(changed)))
	writeJSON(w, http.StatusOK, map[string][]record.Result{"results": results})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	target := url.URL{
		Scheme:   "ws",
		Host:     r.Host,
		Path:     "/realtime",
		RawQuery: url.Values{"token": {token}}.Encode(),
	}
	if r.TLS != nil {
		target.Scheme = "wss"
	}
	start, _ := json.Marshal(map[string]any{
		"type":    messageStart,
		"id":      s.newID(),
		"payload": map[string]string{"accountId": accountFrom(r.Context())},
	})
	writeJSON(w, http.StatusOK, endpoint.SubscriptionInfo{
		URL:          target.String(),
		Subprotocols: []string{Subprotocol},
		StartMessage: start,
	})
}

// handleImport copies the exported document tree into the caller's account
// under fresh ids.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExportID       string `json:"exportId"`
		PresentationID string `json:"presentationId,omitempty"`
	}
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source := s.records.tree(req.ExportID)
	if len(source) == 0 {
		writeError(w, http.StatusNotFound, errors.Wrap(ErrUnknownExport, req.ExportID))
		return
	}

	ids := make(map[string]string, len(source))
	for _, rec := range source {
		ids[rec.ID] = s.newID()
	}
	if req.PresentationID != "" {
		ids[req.ExportID] = req.PresentationID
	}
	remap := func(id string) string {
		if mapped, ok := ids[id]; ok {
			return mapped
		}
		return id
	}
	copies := make([]*record.Record, 0, len(source))
	for _, rec := range source {
		cp := rec.Wire()
		cp.ID = remap(rec.ID)
		cp.ParentID = remap(rec.ParentID)
		cp.DocumentID = remap(rec.DocumentID)
		cp.PresentationID = remap(rec.PresentationID)
		cp.OwnerUserID = ""
		copies = append(copies, cp)
	}

	account := accountFrom(r.Context())
	results, changed := s.records.post(account, copies, s.now(), s.blobs.uploaded)
	for _, res := range results {
		if !res.Status.Success {
			writeError(w, http.StatusConflict, errors.New(res.Status.ErrorMessage))
			return
		}
	}
	s.hub.publish(account, changed, s.logger)
	s.logger.Info("Imported document", log.String("account", account), log.String("export", req.ExportID), log.Int("records", len(changed)))
	writeJSON(w, http.StatusOK, recordsResponse{Records: changed})
}

func (s *Server) handleInitiateUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentType string `json:"contentType,omitempty"`
		Size        int64  `json:"size"`
	}
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Size < 0 {
		writeError(w, http.StatusBadRequest, errors.New("negative size"))
		return
	}
	writeJSON(w, http.StatusOK, s.blobs.initiate(mux.Vars(r)["fingerprint"], req.Size))
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, _ := strconv.Atoi(vars["part"])
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.PartSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	etag, err := s.blobs.putPart(vars["fingerprint"], n, data)
	switch {
	case errors.Is(err, ErrUnknownAsset):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ETags []string `json:"etags"`
	}
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fingerprint := mux.Vars(r)["fingerprint"]
	err := s.blobs.complete(fingerprint, req.ETags)
	switch {
	case errors.Is(err, ErrUnknownAsset):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.records.markUploaded(fingerprint)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]
	if !s.blobs.uploaded(fingerprint) {
		writeError(w, http.StatusNotFound, errors.Wrap(ErrUnknownAsset, fingerprint))
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	target := url.URL{Scheme: scheme, Host: r.Host, Path: "/assets/" + fingerprint + "/content"}
	writeJSON(w, http.StatusOK, map[string]string{"url": target.String()})
}

func (s *Server) handleAssetContent(w http.ResponseWriter, r *http.Request) {
	data, ok := s.blobs.content(mux.Vars(r)["fingerprint"])
	if !ok {
		writeError(w, http.StatusNotFound, ErrUnknownAsset)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) decode(r *http.Request, out any) error {
	body := http.MaxBytesReader(nil, r.Body, s.config.MaxMessageSize)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return errors.Wrap(err, "decode request")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"message": err.Error()})
}
