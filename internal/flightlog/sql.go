package flightlog

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions
(
    id         TEXT PRIMARY KEY,
    robot_id   INTEGER   NOT NULL,
    started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS events
(
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT      NOT NULL REFERENCES sessions (id),
    timestamp  TIMESTAMP NOT NULL,
    source     TEXT      NOT NULL,
    message    TEXT      NOT NULL
);

CREATE TABLE IF NOT EXISTS battery
(
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT      NOT NULL REFERENCES sessions (id),
    timestamp  TIMESTAMP NOT NULL,
    voltage    REAL      NOT NULL,
    power      REAL      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_battery_session ON battery (session_id, timestamp);
`

const (
	insertSessionSQL = `
INSERT INTO sessions (id,
                      robot_id,
                      config)
VALUES (?, ?, ?)`

	insertEventSQL = `
INSERT INTO events (session_id,
                    timestamp,
                    source,
                    message)
VALUES (?, ?, ?, ?)`

	insertBatterySQL = `
INSERT INTO battery (session_id,
                     timestamp,
                     voltage,
                     power)
VALUES (?, ?, ?, ?)`
)
