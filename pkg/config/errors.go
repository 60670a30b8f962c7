package config

import "errors"

var (
	errReadConfig        = errors.New("failed to read config")
	errParseConfig       = errors.New("failed to parse config")
	errInvalidDuration   = errors.New("invalid duration")
	errBrokerRequired    = errors.New("mqtt.broker is required")
	errTopicRequired     = errors.New("report, update and control topics are required")
	errTopicsOverlap     = errors.New("report, update and control topics must differ")
	errImagePathRequired = errors.New("ota.image_path is required")
	errScanCommand       = errors.New("scan.command must not be empty")
	errScanDuration      = errors.New("scan.duration must be positive")
	errInvalidQoS        = errors.New("mqtt.qos must be 0, 1 or 2")
	errInvalidTimezone   = errors.New("invalid timezone")
	errMaxImageSize      = errors.New("ota.max_image_size must be positive")
)
