package sqlinline

const rowColumns = `job_id::text, owner_id, row_index, payload, coalesce(enhanced_prompt, ''), coalesce(external_task_id, ''),
    status, progress_hint, charged_credits, refund_due, refund_amount, coalesce(error_code, ''), coalesce(error, ''), dispatched_at, created_at, updated_at`

const QInsertRowTask = `--sql 4a6d118d-f3e6-454a-b6d7-2a797cdecd0f
insert into row_tasks (job_id, row_index, owner_id, payload, status, created_at, updated_at)
values ($1::uuid, $2::int, $3::text, $4::jsonb, 'pending', now(), now());
`

const QSelectJobRows = `--sql bdd4f2ad-4f74-48dc-9fe2-a94942c04572
select ` + rowColumns + `
from row_tasks
where job_id = $1::uuid
order by row_index asc;
`

const QTransitionRow = `--sql f85dc767-27e5-4352-b0ec-9577317a704a
update row_tasks
set status = $4::text,
    enhanced_prompt = coalesce(nullif($5::text, ''), enhanced_prompt),
    updated_at = now()
where job_id = $1::uuid
  and row_index = $2::int
  and status = $3::text;
`

const QBeginRowGeneration = `--sql 6ed01702-2731-4037-ae61-06e5d378b24c
update row_tasks
set status = 'generating',
    external_task_id = $4::text,
    charged_credits = $5::bigint,
    progress_hint = 0,
    dispatched_at = now(),
    updated_at = now()
where job_id = $1::uuid
  and row_index = $2::int
  and status = $3::text;
`

const QUpdateRowProgress = `--sql eae91620-8789-4689-bb60-8b93a0276dc9
update row_tasks
set progress_hint = greatest(progress_hint, $3::int),
    updated_at = now()
where job_id = $1::uuid
  and row_index = $2::int
  and status = 'generating';
`

const QSettleRow = `--sql 41680fff-94e8-4a58-b312-fd232aeef66a
update row_tasks
set status = $3::text,
    error_code = nullif($4::text, ''),
    error = nullif($5::text, ''),
    progress_hint = case when $3::text = 'completed' then 100 else progress_hint end,
    refund_due = $3::text = 'failed' and $6::boolean,
    refund_amount = case when $3::text = 'failed' and $6::boolean then $7::bigint else 0 end,
    updated_at = now()
where job_id = $1::uuid
  and row_index = $2::int
  and status not in ('completed', 'failed')
  and (status = 'generating' or $3::text = 'failed')
returning row_index;
`

const QListGeneratingRows = `--sql e860e6d3-7028-4491-a3b1-545ead9756b2
select ` + rowColumns + `
from row_tasks
where status = 'generating'
order by dispatched_at asc nulls first
limit $1::int;
`

const QListRefundsDue = `--sql 3f9b7c21-6d0e-4a85-b4c2-8e1a5d7f0b63
select ` + rowColumns + `
from row_tasks
where refund_due
order by updated_at asc
limit $1::int;
`

const QClearRowRefund = `--sql c7e2a9d4-1b5f-4e36-9a08-2d6f4b8e1c57
update row_tasks
set refund_due = false,
    updated_at = now()
where job_id = $1::uuid
  and row_index = $2::int;
`

const QSelectRowByTask = `--sql f407e5b7-f9cc-425b-a575-6cb8b0026c25
select ` + rowColumns + `
from row_tasks
where external_task_id = $1::text
limit 1;
`

const QSelectRowStatus = `--sql 0c3e6a8b-52a4-4d8e-9a55-7f1b2d6e4c90
select status
from row_tasks
where job_id = $1::uuid
  and row_index = $2::int
limit 1;
`
