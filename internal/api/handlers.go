package api

import (
	"net/http"

	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/issue"
	"mes-kiosk/internal/kiosk"
	"mes-kiosk/internal/station"
	"mes-kiosk/internal/types"
	"mes-kiosk/internal/web"
)

// StateResponse 是 GET /api/state 的响应
type StateResponse struct {
	Session kiosk.State     `json:"session"`
	Floor   *web.FloorState `json:"floor,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var scan types.ScanResult
	if err := decode(r, &scan); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.session.Scan(r.Context(), scan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{Session: s.session.Snapshot()}
	if s.tracker != nil {
		floor := s.tracker.GetStateSnapshot()
		resp.Floor = &floor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.audit.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- 工站运行 ---

func (s *Server) withRun(w http.ResponseWriter, r *http.Request, fn func(run *station.Run) (interface{}, error)) {
	run, err := s.session.Run()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := fn(run)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type toggleRequest struct {
	PhaseIndex int    `json:"phaseIndex"`
	Label      string `json:"label"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withRun(w, r, func(run *station.Run) (interface{}, error) {
		checked, err := run.Toggle(req.PhaseIndex, req.Label)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"checked": checked, "run": run.Snapshot()}, nil
	})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	tr, err := s.session.Advance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transition": tr,
		"escalated":  tr.Escalation != nil,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result station.PhaseResult `json:"result"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withRun(w, r, func(run *station.Run) (interface{}, error) {
		if err := run.MarkResult(req.Result); err != nil {
			return nil, err
		}
		return run.Snapshot(), nil
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.withRun(w, r, func(run *station.Run) (interface{}, error) {
		if _, err := run.Start(r.Context()); err != nil {
			return nil, err
		}
		return run.Snapshot(), nil
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	s.withRun(w, r, func(run *station.Run) (interface{}, error) {
		p, err := run.Tick()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"progress": p, "run": run.Snapshot()}, nil
	})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	payload, err := s.session.Finish(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.session.Close()
	w.WriteHeader(http.StatusNoContent)
}

// --- 问题上报 ---

func issueView(f *issue.Flow) kiosk.IssueView {
	return kiosk.IssueView{State: string(f.State()), Draft: f.Draft()}
}

func (s *Server) withIssue(w http.ResponseWriter, r *http.Request, fn func(f *issue.Flow) error) {
	f, err := s.session.Issue()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := fn(f); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issueView(f))
}

func (s *Server) handleIssueOpen(w http.ResponseWriter, r *http.Request) {
	f, err := s.session.FlagIssue()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueView(f))
}

func (s *Server) handleIssueType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type types.IssueType `json:"type"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withIssue(w, r, func(f *issue.Flow) error { return f.SelectType(req.Type) })
}

func (s *Server) handleIssueSeverity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Severity types.Severity `json:"severity"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withIssue(w, r, func(f *issue.Flow) error { return f.SetSeverity(req.Severity) })
}

func (s *Server) handleIssueDescription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withIssue(w, r, func(f *issue.Flow) error { return f.SetDescription(req.Text) })
}

func (s *Server) handleIssueEvidence(w http.ResponseWriter, r *http.Request) {
	s.withIssue(w, r, func(f *issue.Flow) error {
		_, err := f.ToggleEvidence()
		return err
	})
}

func (s *Server) handleIssueContainment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action types.Containment `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withIssue(w, r, func(f *issue.Flow) error {
		_, err := f.ToggleContainment(req.Action)
		return err
	})
}

func (s *Server) handleIssueStep(step func(f *issue.Flow) (fsm.State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.withIssue(w, r, func(f *issue.Flow) error {
			_, err := step(f)
			return err
		})
	}
}

func (s *Server) handleIssueSubmit(w http.ResponseWriter, r *http.Request) {
	report, err := s.session.SubmitIssue(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleIssueReturn(w http.ResponseWriter, r *http.Request) {
	out, err := s.session.ReturnFromIssue()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIssueCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.session.CancelIssue(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- 协助 ---

func (s *Server) assistView() (kiosk.AssistView, error) {
	f, err := s.session.Assist()
	if err != nil {
		return kiosk.AssistView{}, err
	}
	return kiosk.AssistView{State: string(f.State()), Request: f.Request()}, nil
}

func (s *Server) writeAssist(w http.ResponseWriter, r *http.Request, code int) {
	view, err := s.assistView()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, code, view)
}

func (s *Server) handleAssistOpen(w http.ResponseWriter, r *http.Request) {
	if _, err := s.session.Help(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAssist(w, r, http.StatusCreated)
}

func (s *Server) handleAssistSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind types.AssistKind `json:"kind"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.session.SelectAssist(r.Context(), req.Kind); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAssist(w, r, http.StatusOK)
}

func (s *Server) handleAssistCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason   types.CleanupReason `json:"reason"`
		Freeform string              `json:"freeform"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.session.ConfirmCleanup(r.Context(), req.Reason, req.Freeform)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAssistTraveler(w http.ResponseWriter, r *http.Request) {
	f, err := s.session.Assist()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trav, err := f.Traveler()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trav)
}

func (s *Server) handleAssistBack(w http.ResponseWriter, r *http.Request) {
	f, err := s.session.Assist()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := f.Back(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAssist(w, r, http.StatusOK)
}

func (s *Server) handleAssistClose(w http.ResponseWriter, r *http.Request) {
	if err := s.session.CloseAssist(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
