package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vpn-enterprise/vpncore/coordinator"
	"github.com/vpn-enterprise/vpncore/registry"
	"github.com/vpn-enterprise/vpncore/tracker"
	vcerrors "github.com/vpn-enterprise/vpncore/util/errors"
)

// HTTPConnectRequest is the body of POST /api/v1/connect.
type HTTPConnectRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Tier     string `json:"tier,omitempty"`
	Region   string `json:"region,omitempty"`
	Protocol string `json:"protocol"`
}

// HTTPConnectResponse reports the granted session and its destination.
type HTTPConnectResponse struct {
	SessionID      string `json:"session_id"`
	ServerID       string `json:"server_id"`
	ServerAddress  string `json:"server_address"`
	RegionFallback bool   `json:"region_fallback,omitempty"`
}

// HTTPActivityRequest is the body of POST /api/v1/sessions/{id}/activity.
type HTTPActivityRequest struct {
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

// HTTPFailureRequest is the body of POST /api/v1/servers/{id}/failure.
type HTTPFailureRequest struct {
	Reason string `json:"reason"`
}

// HTTPErrorRateRequest is the body of POST /api/v1/servers/{id}/errors.
type HTTPErrorRateRequest struct {
	Rate float64 `json:"rate"`
}

// HTTPErrorResponse represents an error response.
type HTTPErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type serverView struct {
	ID            string   `json:"id"`
	Address       string   `json:"address"`
	Region        string   `json:"region"`
	Protocols     []string `json:"protocols"`
	Capacity      int      `json:"capacity"`
	Premium       bool     `json:"premium"`
	Connections   int      `json:"connections"`
	LoadRatio     float64  `json:"load_ratio"`
	ThroughputBPS float64  `json:"throughput_bps"`
	Health        string   `json:"health"`
	Draining      bool     `json:"draining,omitempty"`
}

func toServerView(n registry.ServerNode) serverView {
	protocols := make([]string, 0, len(n.Protocols))
	for _, p := range n.Protocols {
		protocols = append(protocols, string(p))
	}
	return serverView{
		ID:            n.ID,
		Address:       n.Address,
		Region:        n.Region,
		Protocols:     protocols,
		Capacity:      n.Capacity,
		Premium:       n.Premium,
		Connections:   n.Connections,
		LoadRatio:     n.LoadRatio,
		ThroughputBPS: n.ThroughputBPS,
		Health:        n.Health.String(),
		Draining:      n.Draining,
	}
}

type sessionView struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	DeviceID         string    `json:"device_id"`
	ServerID         string    `json:"server_id"`
	Protocol         string    `json:"protocol"`
	State            string    `json:"state"`
	EstablishedAt    time.Time `json:"established_at"`
	LastActivity     time.Time `json:"last_activity"`
	BytesIn          uint64    `json:"bytes_in"`
	BytesOut         uint64    `json:"bytes_out"`
	DisconnectReason string    `json:"disconnect_reason,omitempty"`
}

func toSessionView(s tracker.Session) sessionView {
	return sessionView{
		ID:               s.ID,
		UserID:           s.UserID,
		DeviceID:         s.DeviceID,
		ServerID:         s.ServerID,
		Protocol:         string(s.Protocol),
		State:            s.State.String(),
		EstablishedAt:    s.EstablishedAt,
		LastActivity:     s.LastActivity,
		BytesIn:          s.BytesIn,
		BytesOut:         s.BytesOut,
		DisconnectReason: s.DisconnectReason,
	}
}

// setupHTTPRoutes configures HTTP routes for the coordinator API.
func (s *Server) setupHTTPRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/connect", s.handleConnect)
	mux.HandleFunc("/api/v1/servers", s.handleListServers)
	mux.HandleFunc("/api/v1/servers/", s.handleServer)
	mux.HandleFunc("/api/v1/sessions/", s.handleSession)
	mux.HandleFunc("/api/v1/users/", s.handleUser)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConnect handles HTTP POST /api/v1/connect
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	var req HTTPConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Failed to parse JSON: "+err.Error())
		return
	}
	if req.UserID == "" || req.DeviceID == "" || req.Protocol == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMETERS", "user_id, device_id, and protocol are required")
		return
	}

	res, err := s.coord.RequestConnection(r.Context(), coordinator.ConnectRequest{
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Tier:     registry.Tier(req.Tier),
		Region:   req.Region,
		Protocol: registry.Protocol(req.Protocol),
	})
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, HTTPConnectResponse{
		SessionID:      res.Session.ID,
		ServerID:       res.Server.ID,
		ServerAddress:  res.Server.Address,
		RegionFallback: res.RegionFallback,
	})
}

// handleListServers handles HTTP GET /api/v1/servers
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}
	nodes := s.coord.ListServers()
	views := make([]serverView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, toServerView(n))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleServer handles:
//
//	GET  /api/v1/servers/{id}
//	POST /api/v1/servers/{id}/heartbeat
//	POST /api/v1/servers/{id}/failure
//	POST /api/v1/servers/{id}/errors
func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/servers/")
	parts := strings.SplitN(path, "/", 2)
	serverID := parts[0]
	if serverID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMETERS", "Server ID must not be empty")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
			return
		}
		node, err := s.coord.GetServer(serverID)
		if err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toServerView(node))
		return
	}

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	switch parts[1] {
	case "heartbeat":
		if err := s.coord.Heartbeat(serverID); err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case "failure":
		var req HTTPFailureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Failed to parse JSON: "+err.Error())
			return
		}
		if err := s.coord.ReportServerFailure(serverID, req.Reason); err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case "errors":
		var req HTTPErrorRateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Failed to parse JSON: "+err.Error())
			return
		}
		if err := s.coord.ReportServerErrorRate(serverID, req.Rate); err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		s.writeError(w, http.StatusNotFound, "UNKNOWN_ACTION", "Unknown server action: "+parts[1])
	}
}

// handleSession handles:
//
//	GET  /api/v1/sessions/{id}
//	POST /api/v1/sessions/{id}/activity
//	POST /api/v1/sessions/{id}/disconnect
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	parts := strings.SplitN(path, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMETERS", "Session ID must not be empty")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
			return
		}
		sess, err := s.coord.GetSession(sessionID)
		if err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toSessionView(sess))
		return
	}

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	switch parts[1] {
	case "activity":
		var req HTTPActivityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Failed to parse JSON: "+err.Error())
			return
		}
		err := s.coord.ReportActivity(sessionID, tracker.Sample{
			Timestamp: time.Now(),
			BytesIn:   req.BytesIn,
			BytesOut:  req.BytesOut,
		})
		if err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case "disconnect":
		if err := s.coord.Disconnect(sessionID); err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		s.writeError(w, http.StatusNotFound, "UNKNOWN_ACTION", "Unknown session action: "+parts[1])
	}
}

// handleUser handles:
//
//	GET /api/v1/users/{id}/sessions
//	GET /api/v1/users/{id}/history
//	GET /api/v1/users/{id}/usage
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PATH", "Path must be /api/v1/users/{id}/{sessions|history|usage}")
		return
	}
	userID := parts[0]

	switch parts[1] {
	case "sessions":
		sessions := s.coord.UserSessions(userID)
		views := make([]sessionView, 0, len(sessions))
		for _, sess := range sessions {
			views = append(views, toSessionView(sess))
		}
		s.writeJSON(w, http.StatusOK, views)
	case "history":
		sessions := s.coord.UserHistory(userID)
		views := make([]sessionView, 0, len(sessions))
		for _, sess := range sessions {
			views = append(views, toSessionView(sess))
		}
		s.writeJSON(w, http.StatusOK, views)
	case "usage":
		usage := s.coord.UserUsage(userID)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id":   userID,
			"bytes_in":  usage.BytesIn,
			"bytes_out": usage.BytesOut,
		})
	default:
		s.writeError(w, http.StatusNotFound, "UNKNOWN_RESOURCE", "Unknown user resource: "+parts[1])
	}
}

// writeCoordinatorError maps coordination errors onto HTTP status codes.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vcerrors.ErrNodeNotFound):
		s.writeError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
	case errors.Is(err, vcerrors.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, vcerrors.ErrUnavailable), errors.Is(err, vcerrors.ErrNodeFull):
		s.writeError(w, http.StatusServiceUnavailable, "NO_SERVER_AVAILABLE", err.Error())
	case errors.Is(err, vcerrors.ErrPolicyConflict):
		s.writeError(w, http.StatusConflict, "POLICY_CONFLICT", err.Error())
	case errors.Is(err, vcerrors.ErrSessionTerminal):
		s.writeError(w, http.StatusConflict, "SESSION_TERMINAL", err.Error())
	case vcerrors.IsTimeout(err):
		s.writeError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// writeJSON writes a JSON response with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

// writeError writes an error response in JSON format
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code string, message string) {
	errResp := HTTPErrorResponse{
		Error: message,
		Code:  code,
	}
	s.writeJSON(w, statusCode, errResp)
}
