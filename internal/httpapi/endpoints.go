package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"pkt.systems/gtxd/api"
	"pkt.systems/gtxd/internal/coordinator"
	"pkt.systems/gtxd/internal/core"
	"pkt.systems/gtxd/internal/jsonutil"
	"pkt.systems/gtxd/internal/session"
)

func requireXID(xid string) (string, error) {
	xid = strings.TrimSpace(xid)
	if xid == "" {
		return "", core.BadRequest("xid required")
	}
	return xid, nil
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	var req api.BeginRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		return err
	}
	if req.TimeoutMS < 0 {
		return core.BadRequest("timeout_ms must not be negative")
	}
	gs, err := h.coord.Begin(r.Context(), coordinator.BeginRequest{
		ApplicationID: req.ApplicationID,
		ServiceGroup:  req.ServiceGroup,
		Name:          req.Name,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.BeginResponse{XID: gs.XID()})
	return nil
}

func (h *Handler) handleBranchRegister(w http.ResponseWriter, r *http.Request) error {
	var req api.BranchRegisterRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXID(req.XID)
	if err != nil {
		return err
	}
	appData, err := jsonutil.CompactString(req.ApplicationData, h.maxBodyBytes)
	if err != nil {
		return core.BadRequest("application_data: %v", err)
	}
	branchID, err := h.coord.RegisterBranch(r.Context(), xid, coordinator.BranchRequest{
		ResourceID:      strings.TrimSpace(req.ResourceID),
		BranchType:      session.BranchType(strings.ToUpper(strings.TrimSpace(req.BranchType))),
		LockKeys:        req.LockKeys,
		ClientID:        req.ClientID,
		ApplicationData: appData,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.BranchRegisterResponse{BranchID: branchID})
	return nil
}

func (h *Handler) handleBranchReport(w http.ResponseWriter, r *http.Request) error {
	var req api.BranchReportRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXID(req.XID)
	if err != nil {
		return err
	}
	if err := h.coord.ReportBranch(r.Context(), xid, req.BranchID, session.BranchStatus(req.Status)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	return h.handleDecision(w, r, h.coord.Commit)
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) error {
	return h.handleDecision(w, r, h.coord.Rollback)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, xid string) (session.GlobalStatus, error)) error {
	var req api.XIDRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXID(req.XID)
	if err != nil {
		return err
	}
	status, err := decide(r.Context(), xid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{XID: xid, Status: string(status)})
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	xid, err := requireXID(r.URL.Query().Get("xid"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{XID: xid, Status: string(h.coord.Status(r.Context(), xid))})
	return nil
}

func (h *Handler) handleLockQuery(w http.ResponseWriter, r *http.Request) error {
	var req api.LockQueryRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		return core.BadRequest("resource_id required")
	}
	ok, err := h.coord.LockQuery(req.ResourceID, req.LockKeys, req.XID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.LockQueryResponse{Lockable: ok})
	return nil
}

func (h *Handler) handleSessions(w http.ResponseWriter, _ *http.Request) error {
	all := h.coord.Root().AllSessions()
	resp := api.SessionsResponse{Sessions: make([]api.Session, 0, len(all))}
	for _, gs := range all {
		resp.Sessions = append(resp.Sessions, SessionView(gs.Record(), gs.Attempts()))
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) error {
	xid, err := requireXID(r.PathValue("xid"))
	if err != nil {
		return err
	}
	gs, err := h.coord.Root().FindGlobalSession(xid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, SessionView(gs.Record(), gs.Attempts()))
	return nil
}

func (h *Handler) handleQueues(w http.ResponseWriter, _ *http.Request) error {
	managers := h.coord.Managers()
	resp := api.QueuesResponse{Queues: make([]api.Queue, 0, len(managers)), Locks: h.coord.Locks().Len()}
	for _, m := range managers {
		q := api.Queue{Name: m.Name(), XIDs: []string{}}
		for _, gs := range m.AllSessions() {
			q.XIDs = append(q.XIDs, gs.XID())
		}
		resp.Queues = append(resp.Queues, q)
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleHostStatus(w http.ResponseWriter, r *http.Request) error {
	if h.host == nil {
		return httpError{Status: http.StatusNotFound, Code: core.CodeNotFound, Detail: "host status disabled"}
	}
	s := h.host.Sample(r.Context())
	writeJSON(w, http.StatusOK, api.HostStatus{
		Load1:            s.Load1,
		Load5:            s.Load5,
		Load15:           s.Load15,
		MemTotalBytes:    s.MemTotalBytes,
		MemUsedBytes:     s.MemUsedBytes,
		MemUsedPercent:   s.MemUsedPercent,
		ProcessHeapBytes: s.HeapBytes,
		Goroutines:       s.Goroutines,
		Sessions:         h.coord.Root().Len(),
	})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "recovery in progress"}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// SessionView converts a session record into its API form.
func SessionView(rec *session.GlobalRecord, attempts int) api.Session {
	out := api.Session{
		XID:           rec.XID,
		TransactionID: rec.TransactionID,
		ApplicationID: rec.ApplicationID,
		ServiceGroup:  rec.ServiceGroup,
		Name:          rec.Name,
		Status:        string(rec.Status),
		Active:        rec.Active,
		BeginUnixMS:   rec.BeginTimeMS,
		TimeoutMS:     rec.TimeoutMS,
		Failure:       rec.Failure,
		Attempts:      attempts,
	}
	for _, b := range rec.Branches {
		out.Branches = append(out.Branches, api.Branch{
			BranchID:        b.BranchID,
			ResourceID:      b.ResourceID,
			BranchType:      string(b.BranchType),
			Status:          string(b.Status),
			LockKeys:        b.LockKeys,
			ClientID:        b.ClientID,
			ApplicationData: b.ApplicationData,
		})
	}
	return out
}
