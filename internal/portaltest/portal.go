// Package portaltest provides an in-memory implementation of the parts of
// the ReportPortal API the bridge talks to. It enforces the ordering rules
// of the real service (parents exist and are open before children start,
// items are finished once) so tests can observe ordering violations.
package portaltest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/raphi011/rpbridge/internal/model"
)

const maintenancePage = "<html><head><title>Report Portal - Maintenance</title></head></html>"

type Launch struct {
	ID       string
	Start    model.StartLaunchRQ
	Finished bool
	Finish   model.FinishLaunchRQ
}

type Item struct {
	ID       string
	ParentID string
	Start    model.StartItemRQ
	Finished bool
	Finish   model.FinishItemRQ
}

type Log struct {
	model.SaveLogRQ
	Attachment *model.Attachment
}

type Server struct {
	project string
	apiKey  string
	router  *httprouter.Router
	log     *slog.Logger

	mu          sync.Mutex
	maintenance bool
	nextID      int
	launches    []*Launch
	items       []*Item
	logs        []Log
	calls       map[string]int
}

func New(project, apiKey string, log *slog.Logger) *Server {
	s := &Server{
		project: project,
		apiKey:  apiKey,
		log:     log,
		calls:   map[string]int{},
	}

	router := httprouter.New()

	router.GET("/api/v1/project/:project", s.probe)
	router.POST("/api/v1/:project/launch", s.startLaunch)
	router.PUT("/api/v1/:project/launch/:id/finish", s.finishLaunch)
	router.POST("/api/v1/:project/item", s.startItem)
	router.POST("/api/v1/:project/item/:parent", s.startItem)
	router.PUT("/api/v1/:project/item/:id", s.finishItem)
	router.POST("/api/v1/:project/log", s.saveLogs)

	s.router = router

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetMaintenance makes every endpoint answer with the maintenance page.
func (s *Server) SetMaintenance(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maintenance = on
}

// Calls returns how often an operation (e.g. "startLaunch") was called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[op]
}

func (s *Server) Launches() []Launch {
	s.mu.Lock()
	defer s.mu.Unlock()

	launches := make([]Launch, 0, len(s.launches))
	for _, l := range s.launches {
		launches = append(launches, *l)
	}

	return launches
}

// Items returns all items in the order they were started.
func (s *Server) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Item, 0, len(s.items))
	for _, i := range s.items {
		items = append(items, *i)
	}

	return items
}

// ItemByName returns the first item started with the given name.
func (s *Server) ItemByName(name string) (Item, bool) {
	for _, i := range s.Items() {
		if i.Start.Name == name {
			return i, true
		}
	}

	return Item{}, false
}

func (s *Server) Logs() []Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Log{}, s.logs...)
}

func (s *Server) probe(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.accept(w, r, p, "probe") {
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"projectName": s.project})
}

func (s *Server) startLaunch(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.accept(w, r, p, "startLaunch") {
		return
	}

	var rq model.StartLaunchRQ
	if !s.decode(w, r, &rq) {
		return
	}

	if rq.Name == "" {
		s.writeError(w, http.StatusBadRequest, "launch name must not be empty")
		return
	}

	s.mu.Lock()
	l := &Launch{ID: s.newID("launch"), Start: rq}
	s.launches = append(s.launches, l)
	number := len(s.launches)
	s.mu.Unlock()

	s.writeJSON(w, http.StatusCreated, model.EntryCreatedRS{ID: l.ID, Number: int64(number)})
}

func (s *Server) finishLaunch(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.accept(w, r, p, "finishLaunch") {
		return
	}

	var rq model.FinishLaunchRQ
	if !s.decode(w, r, &rq) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.launch(p.ByName("id"))
	if l == nil {
		s.writeError(w, http.StatusNotFound, "launch not found")
		return
	}

	if l.Finished {
		s.writeError(w, http.StatusNotAcceptable, "launch already finished")
		return
	}

	for _, i := range s.items {
		if i.Start.LaunchID == l.ID && !i.Finished {
			s.writeError(w, http.StatusNotAcceptable, fmt.Sprintf("item %q is still in progress", i.ID))
			return
		}
	}

	l.Finished = true
	l.Finish = rq

	s.writeJSON(w, http.StatusOK, model.OperationCompletionRS{Message: "finished"})
}

func (s *Server) startItem(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.accept(w, r, p, "startItem") {
		return
	}

	var rq model.StartItemRQ
	if !s.decode(w, r, &rq) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.launch(rq.LaunchID)
	if l == nil || l.Finished {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("launch %q not found or finished", rq.LaunchID))
		return
	}

	parentID := p.ByName("parent")
	if parentID != "" {
		parent := s.item(parentID)
		if parent == nil || parent.Finished {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parent item %q not found or finished", parentID))
			return
		}
	}

	i := &Item{ID: s.newID("item"), ParentID: parentID, Start: rq}
	s.items = append(s.items, i)

	s.writeJSON(w, http.StatusCreated, model.EntryCreatedRS{ID: i.ID})
}

func (s *Server) finishItem(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.accept(w, r, p, "finishItem") {
		return
	}

	var rq model.FinishItemRQ
	if !s.decode(w, r, &rq) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.item(p.ByName("id"))
	if i == nil {
		s.writeError(w, http.StatusNotFound, "item not found")
		return
	}

	if i.Finished {
		s.writeError(w, http.StatusNotAcceptable, "item already finished")
		return
	}

	i.Finished = true
	i.Finish = rq

	s.writeJSON(w, http.StatusOK, model.OperationCompletionRS{Message: "finished"})
}

func (s *Server) saveLogs(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.accept(w, r, p, "saveLogs") {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}

	values := r.MultipartForm.Value["json_request_part"]
	if len(values) != 1 {
		s.writeError(w, http.StatusBadRequest, "missing json_request_part")
		return
	}

	var rqs []model.SaveLogRQ
	if err := json.Unmarshal([]byte(values[0]), &rqs); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json_request_part: "+err.Error())
		return
	}

	files := map[string]*model.Attachment{}
	for _, fh := range r.MultipartForm.File["file"] {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		files[fh.Filename] = &model.Attachment{
			Name:     fh.Filename,
			Data:     data,
			MimeType: fh.Header.Get("Content-Type"),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs := model.BatchSaveRS{}

	for _, rq := range rqs {
		if rq.ItemID != "" && s.item(rq.ItemID) == nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("item %q not found", rq.ItemID))
			return
		}

		l := Log{SaveLogRQ: rq}
		if rq.File != nil {
			l.Attachment = files[rq.File.Name]
		}

		s.logs = append(s.logs, l)
		rs.Responses = append(rs.Responses, model.EntryCreatedRS{ID: s.newID("log")})
	}

	s.writeJSON(w, http.StatusCreated, rs)
}

// accept checks maintenance mode, authentication and the project name and
// counts the call.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, p httprouter.Params, op string) bool {
	s.mu.Lock()
	s.calls[op]++
	maintenance := s.maintenance
	s.mu.Unlock()

	if maintenance {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, maintenancePage)
		return false
	}

	if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
		s.writeError(w, http.StatusUnauthorized, "full authentication is required")
		return false
	}

	if p.ByName("project") != s.project {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("project %q not found", p.ByName("project")))
		return false
	}

	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, rq any) bool {
	if err := json.NewDecoder(r.Body).Decode(rq); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}

	return true
}

func (s *Server) launch(id string) *Launch {
	for _, l := range s.launches {
		if l.ID == id {
			return l
		}
	}

	return nil
}

func (s *Server) item(id string) *Item {
	for _, i := range s.items {
		if i.ID == id {
			return i
		}
	}

	return nil
}

// newID must be called with s.mu held.
func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%04d", prefix, s.nextID)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.log.Debug("rejecting request", "status", status, "message", msg)

	s.writeJSON(w, status, model.ErrorRS{ErrorCode: status, Message: strings.TrimSpace(msg)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("error writing body", "error", err)
	}
}
