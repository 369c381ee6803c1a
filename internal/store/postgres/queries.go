package postgres

const queryInsertJob = `
INSERT INTO email_jobs (id, job_group, description, recipient, subject, body, durable, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryInsertTrigger = `
INSERT INTO email_triggers (job_id, job_group, trigger_group, description, fire_at, timezone, misfire_policy, state, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryGetJob = `
SELECT id, job_group, description, recipient, subject, body, durable, created_at
FROM email_jobs
WHERE id = $1 AND job_group = $2
`

const queryGetTrigger = `
SELECT job_id, trigger_group, description, fire_at, timezone, misfire_policy, state, fired_at, created_at
FROM email_triggers
WHERE job_id = $1
`

const queryPendingTriggers = `
SELECT job_id, trigger_group, description, fire_at, timezone, misfire_policy, state, fired_at, created_at
FROM email_triggers
WHERE state = 'scheduled'
ORDER BY fire_at ASC, job_id ASC
LIMIT $1 OFFSET $2
`

const queryMarkFired = `
UPDATE email_triggers
SET state = $1, fired_at = $2
WHERE job_id = $3
  AND state = 'scheduled'
`

const queryGetTriggerState = `
SELECT state FROM email_triggers WHERE job_id = $1
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, job_id, recipient, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryListDeliveryAttempts = `
SELECT id, job_id, recipient, error, started_at, finished_at
FROM delivery_attempts
WHERE job_id = $1
ORDER BY started_at ASC
`
