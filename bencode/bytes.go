package bencode

// Helpers for pulling typed values out of the generic decoded form.

func DictString(d map[string]interface{}, key string) (s string, ok bool) {
	s, ok = d[key].(string)
	return
}

func DictInt(d map[string]interface{}, key string) (i int64, ok bool) {
	i, ok = d[key].(int64)
	return
}

func DictList(d map[string]interface{}, key string) (l []interface{}, ok bool) {
	l, ok = d[key].([]interface{})
	return
}

func DictDict(d map[string]interface{}, key string) (m map[string]interface{}, ok bool) {
	m, ok = d[key].(map[string]interface{})
	return
}
