package logging

import "fmt"

// LogrotateConfig renders a logrotate stanza for every log under logDir,
// including the append-only benchmark log.
func LogrotateConfig(logDir string) string {
	return fmt.Sprintf(`# Logrotate configuration for tfbench
# Install: sudo cp this file to /etc/logrotate.d/tfbench

%s/*.log %s/*/*.log {
    weekly
    rotate 8
    compress
    delaycompress
    missingok
    notifempty
    copytruncate
}
`, logDir, logDir)
}
