package llm

import "strings"

// NoPersonalInfo is the text retrieval yields when nothing about the user
// could be found.
const NoPersonalInfo = "(No personal info found)"

// extractionInstructions asks the model for one "fact<TAB>tags" line per
// learned fact and a final "summary<TAB>tags" line describing the query.
const extractionInstructions = `You are an assistant that extracts structured information from natural language queries.
Based on the current query, consider extracting the following information:
- What general area or domain does this query relate to? (e.g., history, science, politics)
- What is the main subject, entity, or idea in the query?
- What type of query is this? (e.g., question, opinion, comparison, task)
- What is the user likely trying to achieve with this query? (e.g., learning, writing a report, curiosity)
- Anything else you can learn about the user (e.g. does the user like examples, how the user likes questions formatted)
For each piece of information extracted, respond in one concise sentence (e.g. "likely is interested in planes", "may be building a RAG system", "may be interested in lancedb").
Ensure that each piece of information can tell me something about the user.
Respond very broadly but do not use absolutes (e.g. instead of "wants a concise response" use "may like concise responses").
Be concise but specific and informative. Ensure that each sentence can stand alone without any external context. Do not use punctuation.
More than one piece of information may be extracted from each bullet point, but do not extract more than 7 pieces of information total.
Please consider the user's past queries if any. If the current query contains no new information about the user or the user's interest, do not extract the information. Keep in mind, you have likely been asked to extract information from the past queries, so DO NOT repeat information you think may have been extracted before. If no information can be extracted, respond with no text.
For each piece of information list the keywords and ideas (e.g. honesty, machine learning, concise). Separate the tags from the main information using an actual tab character, not the string \t or the letters \ and t. Return a literal tab (ASCII character 9), not an escape sequence. Separate each tag with a comma only (e.g. honesty,machine learning,concise). Please respond with each piece of information separated by one new line character.
Finally, return one more line briefly summarizing the entire query and users interest include tags. DO NOT label the summary. Separate tags in the same way with a tab character.
`

// ExtractionPrompt builds the extraction request for query. history is the
// session transcript so far and may be empty for a new session.
func ExtractionPrompt(query, history string, hasHistory bool) string {
	var sb strings.Builder
	sb.WriteString(extractionInstructions)
	if hasHistory {
		sb.WriteString("Past query and answer from this conversation: ")
		sb.WriteString(history)
		sb.WriteString("\nCurrent query: ")
	} else {
		sb.WriteString("Query: ")
	}
	sb.WriteString(query)
	return sb.String()
}

const personalInfoPreamble = "Additional information about the user and/or the current query "

const irrelevanceDisclaimer = "Some information may be irrelevant to the current query. " +
	"If you deem that the case, then please ignore that piece of information\n"

// ResponsePrompt builds the generation prompt from the personal info block,
// the (already truncated) session history and the query.
func ResponsePrompt(personalInfo, history string, hasHistory bool, query string) string {
	var sb strings.Builder
	if hasHistory {
		sb.WriteString("Past Queries and Responses: ")
		sb.WriteString(history)
		sb.WriteString("\n")
	}
	sb.WriteString(personalInfoPreamble)
	sb.WriteString(personalInfo)
	sb.WriteString("\n")
	sb.WriteString(irrelevanceDisclaimer)
	sb.WriteString(QueryFragment(query))
	return sb.String()
}

// QueryFragment is the transcript form of a query awaiting its response.
func QueryFragment(query string) string {
	return "Query: " + query + "\nResponse:"
}
