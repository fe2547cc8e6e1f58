package sqlinline

const QLedgerFindTransaction = `--sql 721c63b2-b9e5-4828-8fdf-547b14f85147
select id::text, type, amount, balance_after, created_at
from credit_transactions
where user_id = $1::text
  and reference_id = $2::text
limit 1;
`

const QLedgerEnsureAccount = `--sql 43e16909-f266-49ff-a3a9-6cc1ff7f02ee
insert into credit_accounts (user_id, created_at, updated_at)
values ($1::text, now(), now())
on conflict (user_id) do nothing;
`

const QLedgerDebit = `--sql 4606bfe6-aee6-49db-a00a-90d86d6e5ee3
update credit_accounts
set balance = balance - $2::bigint,
    total_spent = total_spent + $2::bigint,
    updated_at = now()
where user_id = $1::text
  and balance >= $2::bigint
returning balance;
`

const QLedgerRefundCredit = `--sql 782df0ef-f242-4d49-a9bd-29e90e9d7d6e
update credit_accounts
set balance = balance + $2::bigint,
    total_spent = total_spent - $2::bigint,
    updated_at = now()
where user_id = $1::text
returning balance;
`

const QLedgerEarn = `--sql 9d46ffa6-f7a6-4b21-8452-cf8f8cb2c288
insert into credit_accounts (user_id, balance, total_earned, created_at, updated_at)
values ($1::text, $2::bigint, $2::bigint, now(), now())
on conflict (user_id) do update set
    balance = credit_accounts.balance + excluded.balance,
    total_earned = credit_accounts.total_earned + excluded.total_earned,
    updated_at = now()
returning balance;
`

const QLedgerAdjust = `--sql a743aad5-f8fb-41d8-b986-be04d779ac49
update credit_accounts
set balance = balance + $2::bigint,
    total_earned = total_earned + $2::bigint,
    updated_at = now()
where user_id = $1::text
  and balance + $2::bigint >= 0
returning balance;
`

const QLedgerFreeze = `--sql f580e743-d9fc-423b-8250-1ebddf67a292
update credit_accounts
set balance = balance - $2::bigint,
    frozen_balance = frozen_balance + $2::bigint,
    updated_at = now()
where user_id = $1::text
  and balance >= $2::bigint
returning balance;
`

const QLedgerUnfreeze = `--sql db237b47-c092-47dd-a9aa-3a091571514e
update credit_accounts
set balance = balance + $2::bigint,
    frozen_balance = frozen_balance - $2::bigint,
    updated_at = now()
where user_id = $1::text
  and frozen_balance >= $2::bigint
returning balance;
`

const QLedgerInsertTransaction = `--sql 6d06e076-33d8-49d8-b897-63891a18b4d6
insert into credit_transactions (id, user_id, type, amount, balance_after, source, reference_id, metadata, created_at)
values (gen_random_uuid(), $1::text, $2::text, $3::bigint, $4::bigint, $5::text, $6::text, coalesce($7::jsonb, '{}'::jsonb), now())
on conflict (user_id, reference_id) do nothing
returning id::text, created_at;
`

const QLedgerSelectAccount = `--sql 45ab52c3-9c40-430f-90ae-6f56e7a7e378
select balance, frozen_balance, total_earned, total_spent, updated_at
from credit_accounts
where user_id = $1::text
limit 1;
`

const QLedgerListTransactions = `--sql cabd60db-bb7f-40a8-acaf-1d6738cdcf29
select id::text, user_id, type, amount, balance_after, source, reference_id, metadata, created_at
from credit_transactions
where user_id = $1::text
order by created_at desc, id desc
limit $2::int;
`
