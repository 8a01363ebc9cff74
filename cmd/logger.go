/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// RawFormatter writes only the bare message plus its fields as k=v pairs, no
// level/timestamp prefix — for piping timewarpd's output straight into
// another structured collector.
type RawFormatter struct{}

// Format returns the entry's message with its fields appended.
func (RawFormatter) Format(entry *log.Entry) ([]byte, error) {
	msg := entry.Message
	for k, v := range entry.Data {
		msg += fmt.Sprintf(" %s=%v", k, v)
	}
	return append([]byte(msg), '\n'), nil
}

// LogstashJSONFormatter defines a logstash json formatter.
type LogstashJSONFormatter struct{}

// Format returns a formatted logstash message.
func (f *LogstashJSONFormatter) Format(entry *log.Entry) ([]byte, error) {
	e := make(map[string]interface{})
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			// Store error string value instead of error.
			e[k] = err.Error()
		} else {
			e[k] = v
		}
	}

	e["@timestamp"] = entry.Time.Format(time.RFC3339)
	e["@version"] = "1"

	v, ok := entry.Data["message"]
	if ok {
		e["fields.message"] = v
	}
	e["message"] = entry.Message

	v, ok = entry.Data["level"]
	if ok {
		e["fields.level"] = v
	}
	e["level_name"] = entry.Level.String()

	serialised, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(serialised, '\n'), nil
}

// setupLogger configures logger's formatter and level from resolved config
// values, grounded on the teacher's --logformat switch in its pre-adaptation
// cmd/root.go setupLoggers.
func setupLogger(logger *log.Logger, format string, level log.Level) {
	switch format {
	case "raw":
		logger.SetFormatter(RawFormatter{})
	case "logstash":
		logger.SetFormatter(&LogstashJSONFormatter{})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{})
	}
	logger.SetLevel(level)
}
