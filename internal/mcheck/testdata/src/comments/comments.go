package comments

// short comment

// this comment is way too long because it keeps going well beyond the limit of the line // want "comment too long"

//go:generate this directive is allowed to be as long as it needs to be, no matter the limit
func noop() {}
