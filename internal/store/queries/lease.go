package queries

// SQL for job_lease. All timestamps come from the database clock so that
// competing processes agree on expiry.

const (
	// AcquireLease creates the lease when absent, takes it over when expired,
	// and renews it when already held by the same owner.
	// $1 lock_name, $2 owner, $3 ttl seconds
	AcquireLease = `
		INSERT INTO job_lease (lock_name, owner, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (lock_name) DO UPDATE SET
			owner = EXCLUDED.owner,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE job_lease.expires_at <= now() OR job_lease.owner = EXCLUDED.owner
		RETURNING owner, acquired_at, expires_at
	`

	// StealLease additionally honors leases expiring within the grace window.
	// $1 lock_name, $2 owner, $3 ttl seconds, $4 grace seconds
	StealLease = `
		INSERT INTO job_lease (lock_name, owner, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (lock_name) DO UPDATE SET
			owner = EXCLUDED.owner,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE job_lease.expires_at <= now() + make_interval(secs => $4)
			OR job_lease.owner = EXCLUDED.owner
		RETURNING owner, acquired_at, expires_at
	`

	// GetLease returns the current record regardless of expiry
	GetLease = `
		SELECT owner, acquired_at, expires_at
		FROM job_lease
		WHERE lock_name = $1
	`

	// VerifyLease returns the expiry when owner still holds a live lease
	VerifyLease = `
		SELECT expires_at
		FROM job_lease
		WHERE lock_name = $1 AND owner = $2 AND expires_at > now()
	`

	// ReleaseLease deletes the lease only for its recorded owner
	ReleaseLease = `DELETE FROM job_lease WHERE lock_name = $1 AND owner = $2`
)
