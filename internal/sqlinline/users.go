package sqlinline

const QSelectUserPlan = `--sql dc3af403-392a-4905-a892-8388c3f3afa8
select plan
from users
where id = $1::text
limit 1;
`

const QUpsertUserPlan = `--sql 705d2b0d-7215-4119-bd12-e40e7adb42f5
insert into users (id, plan, created_at, updated_at)
values ($1::text, $2::text, now(), now())
on conflict (id) do update set
    plan = excluded.plan,
    updated_at = now();
`
