package publish

import "errors"

var (
	errMarshalReport = errors.New("failed to marshal report")
	errPublish       = errors.New("failed to publish report")
)
