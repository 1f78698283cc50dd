package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewObjectName returns a unique debug name for a GPU object, e.g.
// "buffer-5f0c…". Names only show up in validation output and logs.
func NewObjectName(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.New().String())
}
