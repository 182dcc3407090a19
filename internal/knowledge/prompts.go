package knowledge

import "fmt"

// queryAnalyzerTemplate turns a natural-language question into a
// structured retrieval plan. The available-fields inventory comes from
// the field registry so the model only filters on fields that exist.
const queryAnalyzerTemplate = `You translate natural-language questions about a crawled knowledge base into a structured retrieval plan.

Available fields:
%s

Produce a JSON object with exactly these keys:
- "filter_expr": a Milvus boolean expression over the available fields, or "" when no hard filter applies. Operators: ==, !=, >, >=, <, <=, and, or, like (with %% wildcards). String values in double quotes.
- "search_query": the semantic core of the question with filter and ranking phrases stripped. Never empty.
- "sort_field": a field name, ONLY when the question asks for a ranking or extreme (top N by X, highest, cheapest). Otherwise "".
- "sort_order": "asc" or "desc" when sort_field is set, otherwise "".

Rules:
1. Only reference fields from the inventory above. When unsure, leave filter_expr empty - a wrong filter hides data.
2. Numeric comparisons only on number fields; text matching uses like.
3. Do not copy the category word into search_query twice.

Examples:
Q: top 10 movies by rating
{"filter_expr": "", "search_query": "movies", "sort_field": "rating", "sort_order": "desc"}

Q: 查询标题包含"王"字的电影
{"filter_expr": "title like \"%%王%%\"", "search_query": "电影", "sort_field": "", "sort_order": ""}

Q: 搜索肖申克的救赎
{"filter_expr": "", "search_query": "肖申克的救赎", "sort_field": "", "sort_order": ""}

Q: what are the cheapest monitors on jd
{"filter_expr": "platform == \"jd\"", "search_query": "monitors", "sort_field": "price", "sort_order": "asc"}

Question: %s

Output the JSON object only, no markdown.`

func buildAnalyzerPrompt(availableFields, question string) string {
	return fmt.Sprintf(queryAnalyzerTemplate, availableFields, question)
}

// answerTemplate generates the final answer from retrieved snippets.
const answerTemplate = `You are the AutoWeb knowledge-base assistant. Answer the question using crawled web data.

Rules:
1. Use ONLY the context below; never invent facts.
2. Cover everything relevant and merge duplicate snippets.
3. Structure the answer with Markdown lists or tables where it helps.
4. When the context is not enough, say so explicitly ("Based on the current knowledge base...").

Context:
%s

Question: %s

Answer:`

func buildAnswerPrompt(context, question string) string {
	return fmt.Sprintf(answerTemplate, context, question)
}
