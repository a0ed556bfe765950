package sqlinline

// Postgres queries for the jobs table. Every constant starts with its audit
// marker; infra.SQLRunner strips it before execution.

const QCreateJobsTable = `--sql c5b6b9bd-075a-43f3-b989-eeb0bd363319
create table if not exists jobs (
    id           uuid primary key,
    status       text not null default 'created',
    photos_count integer not null default 0,
    price        double precision not null default 0,
    progress     integer not null default 0,
    message      text,
    error        text,
    created_at   timestamptz not null default now(),
    updated_at   timestamptz not null default now(),
    started_at   timestamptz,
    finished_at  timestamptz
);
create index if not exists jobs_created_at_idx on jobs (created_at desc);
`

const QInsertJob = `--sql 6f48d2b8-2dc6-4069-bc04-74e6e009d155
insert into jobs (id, status, photos_count, price, progress, message, error, created_at, updated_at, started_at, finished_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`

const QSelectJobByID = `--sql 267fa955-838d-4f90-8422-733daa6c8065
select id::text, status, photos_count, price, progress, message, error, created_at, updated_at, started_at, finished_at
from jobs
where id = $1;
`

// QUpdateJobGuarded only matches while the row still has the status and
// updated_at the caller read, so two racing writers cannot both win.
const QUpdateJobGuarded = `--sql 681ca84d-075f-44f0-a52e-583a104f902e
update jobs
set status = $3,
    photos_count = $4,
    price = $5,
    progress = $6,
    message = $7,
    error = $8,
    updated_at = $9,
    started_at = $10,
    finished_at = $11
where id = $1 and status = $2 and updated_at = $12;
`

const QJobExists = `--sql 0068d7b6-236f-4a9a-a14f-35248985dba3
select exists(select 1 from jobs where id = $1);
`

// MListJobs prefixes the dynamically built list query.
const MListJobs = "--sql c17c96d7-db1a-4722-b547-0af013e4e5c0"

// JobColumns is the select list shared by both stores.
var JobColumns = []string{
	"id", "status", "photos_count", "price", "progress", "message", "error",
	"created_at", "updated_at", "started_at", "finished_at",
}
