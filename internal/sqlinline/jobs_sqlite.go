package sqlinline

// SQLite flavour of the jobs queries, used by the embedded store.

const QSQLiteCreateJobsTable = `--sql 69f8be57-7aed-41c6-9735-e9bcad3a5b41
create table if not exists jobs (
    id           text primary key,
    status       text not null default 'created',
    photos_count integer not null default 0,
    price        real not null default 0,
    progress     integer not null default 0,
    message      text,
    error        text,
    created_at   timestamp not null,
    updated_at   timestamp not null,
    started_at   timestamp,
    finished_at  timestamp
);
create index if not exists jobs_created_at_idx on jobs (created_at desc);
`

const QSQLiteInsertJob = `--sql e2dcda3e-ca28-4365-a0b2-84d6bbf9ff19
insert into jobs (id, status, photos_count, price, progress, message, error, created_at, updated_at, started_at, finished_at)
values (:id, :status, :photos_count, :price, :progress, :message, :error, :created_at, :updated_at, :started_at, :finished_at);
`

const QSQLiteSelectJobByID = `--sql 3b0e3f8e-5d0c-4c38-9a59-2f1f7a4d6c21
select id, status, photos_count, price, progress, message, error, created_at, updated_at, started_at, finished_at
from jobs
where id = ?;
`

const QSQLiteUpdateJobGuarded = `--sql 8d2c6a4e-1f7b-4e0a-b3c5-9e6d7f8a0b12
update jobs
set status = :status,
    photos_count = :photos_count,
    price = :price,
    progress = :progress,
    message = :message,
    error = :error,
    updated_at = :updated_at,
    started_at = :started_at,
    finished_at = :finished_at
where id = :id and status = :expect and updated_at = :expect_updated_at;
`

const QSQLiteJobExists = `--sql 5a7e9c1d-2b4f-4d6a-8e0c-1f3a5b7d9e24
select exists(select 1 from jobs where id = ?);
`
