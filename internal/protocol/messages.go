package protocol

// MessageType identifies a frame's payload schema. The set is closed;
// unknown values get an ERROR reply but leave the connection open.
type MessageType byte

const (
	// CLI / app → server
	TypeStatusRequest    MessageType = 0x01
	TypeGitFollowRequest MessageType = 0x03
	TypeGitEventNotify   MessageType = 0x05

	// server → CLI / app
	TypeStatusResponse    MessageType = 0x02
	TypeGitFollowResponse MessageType = 0x04
	TypeGitEventAck       MessageType = 0x06

	// bidirectional
	TypeHeartbeat MessageType = 0x07

	// per-session socket
	TypeStdin        MessageType = 0x08 // raw bytes, not JSON
	TypeResize       MessageType = 0x09
	TypeStatusUpdate MessageType = 0x0A

	TypeError MessageType = 0x0B
)

func (t MessageType) String() string {
	switch t {
	case TypeStatusRequest:
		return "STATUS_REQUEST"
	case TypeStatusResponse:
		return "STATUS_RESPONSE"
	case TypeGitFollowRequest:
		return "GIT_FOLLOW_REQUEST"
	case TypeGitFollowResponse:
		return "GIT_FOLLOW_RESPONSE"
	case TypeGitEventNotify:
		return "GIT_EVENT_NOTIFY"
	case TypeGitEventAck:
		return "GIT_EVENT_ACK"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeStdin:
		return "STDIN"
	case TypeResize:
		return "RESIZE"
	case TypeStatusUpdate:
		return "STATUS_UPDATE"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether t is part of the closed message set.
func (t MessageType) Known() bool {
	return t >= TypeStatusRequest && t <= TypeError
}

// StatusRequest asks the server for its current state. Cwd, when set, is the
// directory whose follow-mode state the caller wants resolved.
type StatusRequest struct {
	Cwd string `json:"cwd,omitempty"`
}

// StatusResponse describes the running server.
type StatusResponse struct {
	Running    bool   `json:"running"`
	Port       int    `json:"port"`
	URL        string `json:"url"`
	FollowMode string `json:"followMode,omitempty"` // worktree path when follow is active
}

// GitFollowRequest enables or disables follow mode for a repository.
type GitFollowRequest struct {
	RepoPath     string `json:"repoPath"`
	Branch       string `json:"branch,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
	MainRepoPath string `json:"mainRepoPath,omitempty"`
	Enable       bool   `json:"enable"`
}

// GitFollowResponse reports the outcome of a follow-mode change.
type GitFollowResponse struct {
	Success       bool   `json:"success"`
	CurrentBranch string `json:"currentBranch,omitempty"`
	Error         string `json:"error,omitempty"`
}

// GitEventNotify announces a repository event observed by a hook.
type GitEventNotify struct {
	RepoPath string `json:"repoPath"`
	Type     string `json:"type"` // checkout, pull, merge, rebase, commit, push
}

// GitEventAck confirms receipt of a GitEventNotify.
type GitEventAck struct {
	Handled bool `json:"handled"`
}

// ResizeRequest changes a session's terminal dimensions. It travels on the
// per-session socket, so the session is implicit.
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// StatusUpdate carries activity state from a session's foreground process.
type StatusUpdate struct {
	SessionID string `json:"sessionId,omitempty"`
	App       string `json:"app,omitempty"`
	Status    string `json:"status"`
}

// GitEventTypes is the closed set of repository events a hook may report.
var GitEventTypes = map[string]bool{
	"checkout": true,
	"pull":     true,
	"merge":    true,
	"rebase":   true,
	"commit":   true,
	"push":     true,
}
