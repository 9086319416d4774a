package store

// sqliteSchema mirrors migrations/00001_init.sql for the SQLite dialect.
// goose drives the Postgres path; development and test databases apply
// this statement list directly so both dialects expose the same tables.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
    id                TEXT PRIMARY KEY,
    label             TEXT NOT NULL UNIQUE,
    ip_allowlist      TEXT NOT NULL DEFAULT '[]',
    rate_limit_rpm    INTEGER,
    policy_profile_id TEXT NOT NULL,
    policy_version    TEXT NOT NULL,
    created_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL REFERENCES tenants(id),
    prefix       TEXT NOT NULL,
    digest       TEXT NOT NULL DEFAULT '',
    legacy_hash  TEXT,
    scopes       TEXT NOT NULL DEFAULT '[]',
    created_at   TIMESTAMP NOT NULL,
    last_used_at TIMESTAMP,
    revoked_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);

CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL REFERENCES tenants(id),
    external_id TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS devices (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL REFERENCES tenants(id),
    external_id TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS account_devices (
    account_id    TEXT NOT NULL REFERENCES accounts(id),
    device_id     TEXT NOT NULL REFERENCES devices(id),
    first_seen_at TIMESTAMP NOT NULL,
    PRIMARY KEY (account_id, device_id)
);

CREATE TABLE IF NOT EXISTS uploads (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL REFERENCES tenants(id),
    external_id      TEXT NOT NULL,
    account_id       TEXT NOT NULL REFERENCES accounts(id),
    device_id        TEXT REFERENCES devices(id),
    pvid             TEXT NOT NULL,
    metadata         TEXT NOT NULL DEFAULT '{}',
    decision         TEXT NOT NULL,
    decision_inputs  TEXT NOT NULL DEFAULT '{}',
    certificate_id   TEXT,
    ledger_event_id  TEXT,
    received_at      TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_uploads_account ON uploads(account_id, received_at);
CREATE INDEX IF NOT EXISTS idx_uploads_device ON uploads(device_id, received_at);
CREATE INDEX IF NOT EXISTS idx_uploads_pvid ON uploads(tenant_id, pvid);

CREATE TABLE IF NOT EXISTS risk_signals (
    upload_id             TEXT PRIMARY KEY REFERENCES uploads(id),
    risk                  REAL NOT NULL,
    assurance             REAL NOT NULL,
    anomaly               REAL NOT NULL,
    synthetic_likelihood  REAL NOT NULL,
    risk_model_version    TEXT NOT NULL,
    anomaly_model_version TEXT NOT NULL,
    computed_at           TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_sequences (
    tenant_id     TEXT PRIMARY KEY REFERENCES tenants(id),
    last_sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger_events (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL REFERENCES tenants(id),
    tenant_sequence INTEGER NOT NULL,
    event_type      TEXT NOT NULL,
    correlation_id  TEXT NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    canonical_event TEXT NOT NULL,
    event_hash      TEXT NOT NULL,
    prev_hash       TEXT NOT NULL,
    UNIQUE (tenant_id, tenant_sequence)
);

CREATE TABLE IF NOT EXISTS certificates (
    id                 TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL REFERENCES tenants(id),
    upload_id          TEXT NOT NULL REFERENCES uploads(id),
    policy_profile_id  TEXT NOT NULL,
    policy_version     TEXT NOT NULL,
    inputs_hash        TEXT NOT NULL,
    outputs_hash       TEXT NOT NULL,
    ledger_hash        TEXT NOT NULL,
    key_id             TEXT NOT NULL,
    alg                TEXT NOT NULL,
    signature          TEXT NOT NULL,
    signature_encoding TEXT NOT NULL,
    signed_payload     TEXT NOT NULL,
    issued_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_certificates_tenant ON certificates(tenant_id, issued_at);

CREATE TABLE IF NOT EXISTS evidence_packs (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL REFERENCES tenants(id),
    certificate_id  TEXT NOT NULL REFERENCES certificates(id),
    status          TEXT NOT NULL,
    formats         TEXT NOT NULL,
    storage_keys    TEXT NOT NULL DEFAULT '{}',
    artifact_hashes TEXT NOT NULL DEFAULT '{}',
    artifact_sizes  TEXT NOT NULL DEFAULT '{}',
    task_id         TEXT NOT NULL,
    task_status     TEXT NOT NULL,
    pipeline_event  TEXT NOT NULL,
    error_code      TEXT,
    correlation_id  TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, certificate_id, formats)
);
CREATE INDEX IF NOT EXISTS idx_evidence_packs_status ON evidence_packs(status, updated_at);

CREATE TABLE IF NOT EXISTS webhooks (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL REFERENCES tenants(id),
    url              TEXT NOT NULL,
    events           TEXT NOT NULL,
    encrypted_secret TEXT NOT NULL,
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhooks_tenant ON webhooks(tenant_id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id             TEXT PRIMARY KEY,
    webhook_id     TEXT NOT NULL REFERENCES webhooks(id),
    event_id       TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    payload        BLOB NOT NULL,
    attempt        INTEGER NOT NULL,
    status         TEXT NOT NULL,
    response_code  INTEGER,
    error          TEXT,
    correlation_id TEXT NOT NULL,
    scheduled_at   TIMESTAMP NOT NULL,
    completed_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_hook ON webhook_deliveries(webhook_id, scheduled_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    tenant_id       TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    request_hash    TEXT NOT NULL,
    status_code     INTEGER NOT NULL,
    response_body   BLOB NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS policy_profiles (
    id                    TEXT NOT NULL,
    version               TEXT NOT NULL,
    thresholds            TEXT NOT NULL,
    rules                 TEXT NOT NULL,
    risk_model_version    TEXT NOT NULL,
    anomaly_model_version TEXT NOT NULL,
    created_at            TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);
`
