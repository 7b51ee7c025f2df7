package verify

import (
	"errors"
	"fmt"
)

// MissingIDError aborts a batch: without the primary-key field no
// progress key can be derived for the record.
type MissingIDError struct {
	Namespace string
	RecordID  uint64
}

func (e *MissingIDError) Error() string {
	return fmt.Sprintf("record %d in %s missing _id field", e.RecordID, e.Namespace)
}

func IsMissingID(err error) bool {
	var target *MissingIDError
	return errors.As(err, &target)
}

// IndexNotFoundError aborts a batch targeting an index that does not
// exist on the verifying node.
type IndexNotFoundError struct {
	Namespace string
	Index     string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("cannot find index %s for ns %s", e.Index, e.Namespace)
}

func IsIndexNotFound(err error) bool {
	var target *IndexNotFoundError
	return errors.As(err, &target)
}
