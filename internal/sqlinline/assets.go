package sqlinline

const QUpsertProcessingAsset = `--sql 578cb819-f6ad-48ce-83a2-d68ca3d84e9f
insert into assets (id, owner_id, batch_job_id, row_index, asset_type, generation_mode, prompt, enhanced_prompt,
                    status, credits_spent, metadata, created_at, updated_at)
values ($1::uuid, $2::text, $3::uuid, $4::int, $5::text, $6::text, $7::text, nullif($8::text, ''),
        'processing', $9::bigint, coalesce($10::jsonb, '{}'::jsonb), now(), now())
on conflict (batch_job_id, row_index) do update set
    status = 'processing',
    enhanced_prompt = excluded.enhanced_prompt,
    credits_spent = excluded.credits_spent,
    metadata = assets.metadata || excluded.metadata,
    updated_at = now();
`

const QSettleAsset = `--sql 88cce165-58d1-4bb4-a565-6e106d413e30
update assets
set status = $3::text,
    storage_ref = nullif($4::text, ''),
    public_ref = nullif($5::text, ''),
    credits_spent = $6::bigint,
    error_message = nullif($7::text, ''),
    metadata = metadata || coalesce($8::jsonb, '{}'::jsonb),
    updated_at = now()
where batch_job_id = $1::uuid
  and row_index = $2::int;
`

const QListJobOutcomes = `--sql b460e21d-eae3-46c8-8157-65ce057513a1
select
    r.job_id::text, r.owner_id, r.row_index, r.payload, coalesce(r.enhanced_prompt, ''), coalesce(r.external_task_id, ''),
    r.status, r.progress_hint, r.charged_credits, r.refund_due, r.refund_amount, coalesce(r.error_code, ''), coalesce(r.error, ''), r.dispatched_at,
    r.created_at, r.updated_at,
    a.id::text, a.asset_type, a.generation_mode, a.prompt, coalesce(a.enhanced_prompt, ''), coalesce(a.storage_ref, ''),
    coalesce(a.public_ref, ''), a.status, a.credits_spent, coalesce(a.error_message, ''), a.metadata, a.created_at, a.updated_at
from row_tasks r
left join assets a on a.batch_job_id = r.job_id and a.row_index = r.row_index
where r.job_id = $1::uuid
order by r.row_index asc;
`
