package entitlement

import "regexp"

// StatusToolName - служебное имя, под которым раньше учитывались запросы
// статуса. Такие строки не считаются использованием и не принимаются как
// имя инструмента.
const StatusToolName = "subscription-status"

var toolNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidTool проверяет имя инструмента из URL.
func ValidTool(name string) bool {
	return name != StatusToolName && toolNamePattern.MatchString(name)
}
