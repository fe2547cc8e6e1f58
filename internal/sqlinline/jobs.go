package sqlinline

// Column order shared by every statement returning a batch job.
const jobColumns = `id::text, owner_id, plan_tier, status, total_rows, processed_rows, successful_rows, failed_rows,
    coalesce(source_file_ref, ''), column_mapping, options, error_report, coalesce(output_archive_ref, ''),
    metadata, dispatch_done, lease_until, created_at, updated_at, completed_at`

const QInsertBatchJob = `--sql 77a2423e-d5cb-4672-ab1a-55d233b9fc29
insert into batch_jobs (id, owner_id, plan_tier, status, total_rows, source_file_ref, column_mapping, options, metadata, created_at, updated_at)
values ($1::uuid, $2::text, $3::text, 'pending', $4::int, nullif($5::text, ''), coalesce($6::jsonb, '{}'::jsonb),
        coalesce($7::jsonb, '{}'::jsonb), coalesce($8::jsonb, '{}'::jsonb), now(), now())
returning created_at, updated_at;
`

const QSelectBatchJob = `--sql db47ae6e-522a-487e-b928-31dbd069e668
select ` + jobColumns + `
from batch_jobs
where id = $1::uuid
limit 1;
`

const QClaimBatchJob = `--sql a5280144-8076-4d7f-8130-b3ac58b6a851
with next_job as (
    select id
    from batch_jobs
    where status = 'pending'
       or (status in ('processing', 'cancelled') and dispatch_done = false and (lease_until is null or lease_until < now()))
    order by created_at asc
    for update skip locked
    limit 1
),
updated as (
    update batch_jobs
    set status = case when status = 'pending' then 'processing' else status end,
        lease_until = now() + make_interval(secs => $1::int),
        updated_at = now()
    where id in (select id from next_job)
    returning *
)
select ` + jobColumns + `
from updated;
`

const QRenewJobLease = `--sql eb15a00e-0a6f-42ab-9686-558e5c5d0f53
update batch_jobs
set lease_until = now() + make_interval(secs => $2::int),
    updated_at = now()
where id = $1::uuid
  and dispatch_done = false;
`

const QMarkJobDispatched = `--sql ed1f1f69-58eb-4af4-aaff-963bb0732ac5
update batch_jobs
set dispatch_done = true,
    lease_until = null,
    updated_at = now()
where id = $1::uuid;
`

const QFailBatchJob = `--sql 375cdef7-eb17-4341-b5e7-2c56642a1329
update batch_jobs
set status = 'failed',
    error_report = error_report || $2::jsonb,
    dispatch_done = true,
    lease_until = null,
    completed_at = now(),
    updated_at = now()
where id = $1::uuid
  and status in ('pending', 'processing');
`

const QCancelBatchJob = `--sql b100f4fc-4d82-4cf7-a4ed-17519d512599
update batch_jobs
set status = 'cancelled',
    completed_at = now(),
    updated_at = now()
where id = $1::uuid
  and status in ('pending', 'processing')
returning ` + jobColumns + `;
`

const QSetJobArchive = `--sql 9a057b93-de33-44b0-a6d6-dd07f608106e
update batch_jobs
set output_archive_ref = $2::text,
    updated_at = now()
where id = $1::uuid;
`

// QSettleJobCounters relies on SET expressions reading pre-update values.
const QSettleJobCounters = `--sql 214072c0-8443-41ea-8cc9-3cc51a59bd3c
update batch_jobs
set processed_rows = processed_rows + 1,
    successful_rows = successful_rows + $2::int,
    failed_rows = failed_rows + $3::int,
    error_report = case when $4::jsonb is null then error_report else error_report || $4::jsonb end,
    status = case when status = 'processing' and processed_rows + 1 >= total_rows then 'completed' else status end,
    completed_at = case when status = 'processing' and processed_rows + 1 >= total_rows then now() else completed_at end,
    updated_at = now()
where id = $1::uuid
returning ` + jobColumns + `;
`
