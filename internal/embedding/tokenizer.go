package embedding

import (
	"hash/fnv"
	"strings"
	"unicode"
)

const (
	clsToken  = 101
	sepToken  = 102
	vocabSize = 30000
	// First id available to hashed words; keeps clear of BERT's special tokens.
	firstWordID = 1000
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// CodeTokenizer splits source text into identifier parts (camelCase, snake_case, digits) and
// maps each lower-cased part to a hashed token ID.
type CodeTokenizer struct{}

// Tokenize produces padded token IDs up to maxTokens, framed by [CLS] and [SEP].
func (t *CodeTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 2 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = clsToken
	attentionMask[0] = 1

	pos := 1
	for _, word := range SplitIdentifiers(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = tokenID(word)
		attentionMask[pos] = 1
		pos++
	}
	inputIDs[pos] = sepToken
	attentionMask[pos] = 1
	return inputIDs, attentionMask, tokenTypeIDs
}

func tokenID(word string) int64 {
	h := fnv.New32a()
	h.Write([]byte(word))
	return int64(firstWordID + h.Sum32()%(vocabSize-firstWordID))
}

// SplitIdentifiers splits text into lower-cased words. Identifiers are broken at underscores,
// lower-to-upper transitions, acronym boundaries ("HTTPServer" -> "http", "server") and
// letter/digit transitions. Punctuation is dropped.
func SplitIdentifiers(text string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(text)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case unicode.IsLower(prev) && unicode.IsUpper(r):
				flush()
			case unicode.IsUpper(prev) && unicode.IsUpper(r) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				flush()
			case unicode.IsDigit(prev) != unicode.IsDigit(r):
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}
