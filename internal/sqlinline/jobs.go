package sqlinline

const QInsertJob = `--sql 1c6f2a84-9d3e-4b7a-8f21-6f3d9a0c5e11
insert into jobs (id, job_type, status, owner_id, parent_id, payload, error_message, retry_count)
values ($1, $2, $3, $4, $5, $6, $7, $8)
returning created_at, updated_at;
`

const QSelectJob = `--sql 7b2e4f10-3a8c-4d95-b6e7-2c1f8d4a9e03
select id, job_type, status, owner_id, parent_id, payload, error_message, retry_count, created_at, updated_at
from jobs
where id = $1;
`

// Status-gated write: terminal rows never change. The repository
// distinguishes conflict from not-found with a follow-up select.
const QUpdateJob = `--sql 9e5a1d27-6c4b-4f38-a1d9-8b7e2f6c3a54
update jobs
set status = $2,
    updated_at = now(),
    payload = coalesce($3, payload),
    error_message = coalesce($4, error_message),
    retry_count = coalesce($5, retry_count)
where id = $1
  and status not in ('complete', 'failed')
returning id, job_type, status, owner_id, parent_id, payload, error_message, retry_count, created_at, updated_at;
`

const QTouchJob = `--sql 4d8c3b92-1e7f-4a60-9c25-f3a6d1b8e472
update jobs
set updated_at = now()
where id = $1
  and status not in ('complete', 'failed');
`

// The only sanctioned write against a terminal row: user-initiated retry of
// a failed job. Complete rows never match.
const QResetJob = `--sql c3b7f1a9-8e2d-4f56-b074-6a1d9c4e8f25
update jobs
set status = $2,
    error_message = '',
    retry_count = 0,
    updated_at = now()
where id = $1
  and status = 'failed'
returning id, job_type, status, owner_id, parent_id, payload, error_message, retry_count, created_at, updated_at;
`

const QFindStalled = `--sql e2f91c45-7a3d-4b86-92e1-5d4c8a0f7b39
select id, job_type, status, owner_id, parent_id, payload, error_message, retry_count, created_at, updated_at
from jobs
where job_type = any($1)
  and status = any($2)
  and updated_at < $3
order by updated_at asc
limit $4;
`

const QSelectChildren = `--sql a6d04e78-2b5f-4c13-8e96-1f7a3c9d5b20
select id, job_type, status, owner_id, parent_id, payload, error_message, retry_count, created_at, updated_at
from jobs
where parent_id = $1
order by created_at asc;
`
