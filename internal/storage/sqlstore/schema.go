package sqlstore

// Timestamps are unix milliseconds so the same statements run on both
// dialects. Statements are separated by ";" and applied one at a time.
const schema = `
create table if not exists aggregates(
    kind text not null,
    id text not null,
    tenant_id text not null,
    version bigint not null check (version > 0),
    deleted integer not null default 0,
    payload text not null,
    created_at bigint not null,
    updated_at bigint not null,
    primary key (kind, id)
);
create index if not exists aggregates_tenant_idx on aggregates(tenant_id, kind);

create table if not exists outbox_events(
    id text primary key,
    aggregate_kind text not null,
    aggregate_id text not null,
    tenant_id text not null,
    event_type text not null,
    causal_version bigint not null,
    payload text not null,
    occurred_at bigint not null,
    status text not null default 'pending',
    attempts integer not null default 0,
    next_attempt_at bigint not null,
    lease_owner text not null default '',
    lease_expires_at bigint not null default 0,
    last_error text not null default '',
    created_at bigint not null,
    updated_at bigint not null,
    dispatched_at bigint
);
create index if not exists outbox_events_due_idx on outbox_events(status, next_attempt_at);
create index if not exists outbox_events_aggregate_idx on outbox_events(aggregate_kind, aggregate_id, causal_version);
create index if not exists outbox_events_dispatched_idx on outbox_events(status, dispatched_at);
`
