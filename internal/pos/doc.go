// Package pos is the point-of-sale cart.
//
// Every edit becomes a queued sync change, so the cart works the same online
// and offline. What the cart shows is the last pulled working set with the
// queued edits replayed over it; once a sync drains the queue the working
// set alone is the truth. Edits need a valid offline session.
package pos
