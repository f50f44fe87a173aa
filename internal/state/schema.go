package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_messages_chat_created ON session_messages(chat_id, created_at);

-- Scheduler timestamps are unix milliseconds so that due/lease comparisons
-- happen in SQL without string-format pitfalls.
CREATE TABLE IF NOT EXISTS proactive_events (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  subject TEXT,
  chat_id TEXT NOT NULL,
  trigger_at INTEGER NOT NULL,
  recur TEXT,
  state TEXT NOT NULL DEFAULT 'pending',
  claim_id TEXT,
  lease_expiry INTEGER,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proactive_events_state_trigger ON proactive_events(state, trigger_at);

CREATE TABLE IF NOT EXISTS outbound_log (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  event_id TEXT,
  kind TEXT NOT NULL,
  content TEXT,
  got_reply INTEGER NOT NULL DEFAULT 0,
  sent_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbound_log_chat_sent ON outbound_log(chat_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_outbound_log_sent ON outbound_log(sent_at);
`
