package deadlock

// Deadlock reports used across the package tests.
const (
	twoProcessReport = `2024-01-15 10:23:45.123 UTC [100] ERROR:  deadlock detected
2024-01-15 10:23:45.123 UTC [100] DETAIL:  Process 100 waits for ShareLock on transaction 5001; blocked by process 101.
	Process 101 waits for ShareLock on transaction 5000; blocked by process 100.
	Process 100: UPDATE accounts SET balance = balance - 10 WHERE id = 1
	Process 101: UPDATE ledger SET amount = 10 WHERE id = 2
2024-01-15 10:23:45.123 UTC [100] HINT:  See server log for query details.
2024-01-15 10:23:45.123 UTC [100] CONTEXT:  while updating tuple (0,1) in relation "accounts"
2024-01-15 10:23:45.123 UTC [100] STATEMENT:  UPDATE accounts SET balance = balance - 10 WHERE id = 1`

	threeProcessReport = `ERROR:  deadlock detected
DETAIL:  Process 200 waits for ShareLock on transaction 7001; blocked by process 201.
Process 201 waits for ShareLock on transaction 7002; blocked by process 202.
Process 202 waits for ShareLock on transaction 7000; blocked by process 200.
Process 200: UPDATE orders SET status = 'paid' WHERE id = 1
Process 201: UPDATE payments SET state = 'done' WHERE order_id = 1
Process 202: UPDATE invoices SET total = 5 WHERE order_id = 1
HINT:  See server log for query details.`

	relationReport = `ERROR:  deadlock detected
DETAIL:  Process 300 waits for AccessExclusiveLock on relation 16384 of database 16385; blocked by process 301.
Process 301 waits for RowExclusiveLock on relation 16390 of database 16385; blocked by process 300.
Process 300: ALTER TABLE users ADD COLUMN nickname text
Process 301: INSERT INTO sessions (user_id) VALUES (42)
HINT:  See server log for query details.`

)
