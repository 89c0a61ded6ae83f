package node

import (
	"time"

	"github.com/google/uuid"
)

// Node is a file or folder entry of a repository's metadata tree
type Node struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	RepoName   string     `json:"repo_name"`
	FullPath   string     `json:"full_path"`
	Folder     bool       `json:"folder"`
	Size       int64      `json:"size"`
	SHA256     string     `json:"sha256"`
	MD5        string     `json:"md5,omitempty"`
	Compressed bool       `json:"compressed"`
	Archived   bool       `json:"archived"`
	Deleted    *time.Time `json:"deleted,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewID returns a node id. Ids are time-ordered, so byte order of the string
// form follows creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Query selects the nodes of one repository that follow a cursor
type Query struct {
	ProjectID string
	RepoName  string
	// AfterID excludes every node with an id less than or equal to it.
	AfterID string
	Limit   int
}
