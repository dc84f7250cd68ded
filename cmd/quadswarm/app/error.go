package app

// ConfigError marks a configuration fault. Fatal to the whole bring-up: the
// robot cannot self-heal a bad config file, so the caller exits rather than
// retries.
type ConfigError struct {
	msg string
}

func NewConfigError(msg string) *ConfigError {
	return &ConfigError{msg}
}

func (e *ConfigError) Error() string {
	return e.msg
}
